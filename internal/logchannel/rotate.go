package logchannel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/chuliyu/limestone-go/internal/walio"
)

// RotationResult reports what a Rotate call retired and the new file
// it opened in its place.
type RotationResult struct {
	OldPath string
	NewPath string
}

// Rotate closes the channel's current file, renames it aside under a
// unique suffix, and opens a fresh file at the channel's canonical
// path. It may be called whether the channel is idle or has just
// ended a session; it must not be called mid-session.
//
// The teacher's WAL.Rotate suffixes retired files with only a
// second-granularity timestamp (time.Now().Format("20060102_150405")),
// so two rotations within the same second silently collide and the
// second rename clobbers the first. This suffix adds a short random
// component so concurrent or rapid rotations across channels never
// collide.
func (c *Channel) Rotate() (*RotationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return nil, fmt.Errorf("logchannel: cannot rotate channel %d mid-session", c.id)
	}

	if err := c.file.Close(); err != nil {
		return nil, fmt.Errorf("logchannel: closing channel %d for rotation: %w", c.id, err)
	}

	suffix, err := rotationSuffix()
	if err != nil {
		return nil, err
	}
	oldPath := c.layout.Rotated(c.id, suffix)
	if err := os.Rename(c.path, oldPath); err != nil {
		return nil, fmt.Errorf("logchannel: renaming channel %d to %s: %w", c.id, oldPath, err)
	}
	if err := walio.FsyncDir(c.layout.Dir); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logchannel: reopening channel %d: %w", c.id, err)
	}
	c.file = f
	c.state = StateIdle

	return &RotationResult{OldPath: oldPath, NewPath: c.path}, nil
}

func rotationSuffix() (string, error) {
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", fmt.Errorf("logchannel: generating rotation suffix: %w", err)
	}
	return fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), hex.EncodeToString(rnd[:])), nil
}
