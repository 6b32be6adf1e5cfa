// Package snapshot builds and reads the materialized state file of
// spec §4.8: a single session, at epoch 0, containing the key-ordered
// surviving entries a recovery or compaction run produced, plus the
// Cursor abstraction that lets a reader walk the snapshot merged with
// any existing compacted file without caring which one actually holds
// a given key.
//
// The on-disk format and atomic-write discipline (temp file + rename)
// are carried from the teacher's snapshot manager; what changed is the
// payload, generalized from a single whole-state JSON document to an
// ordered sequence of WAL-format records.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/internal/walio"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ErrSnapshotNotFound names the case of a log directory with no
// snapshot file yet. Nothing in this package returns it: NewCursor
// treats a missing snapshot file as an empty one.
var ErrSnapshotNotFound = errors.New("snapshot: file not found")

// ErrCorruptedSnapshot wraps a codec decode failure while reading a
// snapshot file.
var ErrCorruptedSnapshot = errors.New("snapshot: file is corrupted")

// snapshotEpoch is the fixed epoch every snapshot's bracketing session
// is recorded under (spec §4.8: "a single session at epoch 0").
const snapshotEpoch = limestone.EpochID(0)

// Builder owns atomic writes to the snapshot file under one log
// directory.
type Builder struct {
	layout *manifest.Layout
	mu     sync.Mutex
}

// NewBuilder creates a Builder for layout's directory.
func NewBuilder(layout *manifest.Layout) *Builder {
	return &Builder{layout: layout}
}

// Build writes entries to the snapshot file as a single epoch-0
// session, skipping remove entries unless hasCompactedFile is true (a
// remove only needs recording when a compacted file could otherwise
// resurrect an older value for the same key; absent one, omission
// alone is sufficient since the surviving entries already exclude
// anything the remove shadowed).
func (b *Builder) Build(entries []*limestone.Entry, hasCompactedFile bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.layout.SnapshotDir(), 0o755); err != nil {
		return fmt.Errorf("snapshot: creating snapshot directory: %w", err)
	}

	var buf bytes.Buffer
	if err := codec.WriteBegin(&buf, snapshotEpoch); err != nil {
		return fmt.Errorf("snapshot: encoding session begin: %w", err)
	}
	for _, e := range entries {
		if e.Kind == limestone.KindRemove && !hasCompactedFile {
			continue
		}
		if err := writeEntry(&buf, e); err != nil {
			return fmt.Errorf("snapshot: encoding entry: %w", err)
		}
	}
	if err := codec.WriteEnd(&buf, snapshotEpoch); err != nil {
		return fmt.Errorf("snapshot: encoding session end: %w", err)
	}

	if err := walio.SafeWrite(b.layout.SnapshotPath(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("snapshot: writing snapshot file: %w", err)
	}
	return nil
}

// Exists reports whether a snapshot file is present.
func (b *Builder) Exists() bool {
	_, err := os.Stat(b.layout.SnapshotPath())
	return err == nil
}

func writeEntry(buf *bytes.Buffer, e *limestone.Entry) error {
	switch e.Kind {
	case limestone.KindNormal:
		return codec.WriteNormal(buf, e.Storage, e.Key, e.Value, e.WriteVersion)
	case limestone.KindNormalWithBlob:
		return codec.WriteNormalWithBlob(buf, e.Storage, e.Key, e.Value, e.WriteVersion, e.BlobIDs)
	case limestone.KindRemove:
		return codec.WriteRemove(buf, e.Storage, e.Key, e.WriteVersion)
	default:
		return fmt.Errorf("snapshot: cannot record entry of kind %s", e.Kind)
	}
}
