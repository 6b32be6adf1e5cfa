package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Cursor is the closed sum type of spec §9's redesign note: every
// concrete cursor (fileCursor, mergingCursor) implements this same
// method set instead of a polymorphic base class, matching how
// original_source's cursor_impl_base.h relationship is expressed idiomatically
// in Go as one interface with small, independent implementations.
type Cursor interface {
	// Next advances to the next surviving entry, returning false once
	// exhausted.
	Next() bool
	Storage() limestone.StorageID
	Key() []byte
	Value() []byte
	Kind() limestone.EntryKind
	BlobIDs() []limestone.BlobID
	Close() error
}

// fileCursor walks the data records of a single WAL-format file in
// order, skipping session markers.
type fileCursor struct {
	f       *os.File
	current *limestone.Entry
	err     error
}

// newFileCursor opens path for sequential reading. If path does not
// exist, the returned cursor is immediately exhausted (Next always
// returns false) rather than erroring, so callers can always pair a
// snapshot cursor with an optional compacted-file cursor uniformly.
func newFileCursor(path string) (*fileCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileCursor{}, nil
		}
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	return &fileCursor{f: f}, nil
}

func (c *fileCursor) Next() bool {
	if c.f == nil || c.err != nil {
		return false
	}
	for {
		e, err := codec.Read(c.f)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.err = fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
			}
			c.current = nil
			return false
		}
		if e.Kind.IsMarker() {
			continue
		}
		c.current = e
		return true
	}
}

func (c *fileCursor) Storage() limestone.StorageID     { return c.current.Storage }
func (c *fileCursor) Key() []byte                      { return c.current.Key }
func (c *fileCursor) Value() []byte                    { return c.current.Value }
func (c *fileCursor) Kind() limestone.EntryKind        { return c.current.Kind }
func (c *fileCursor) BlobIDs() []limestone.BlobID      { return c.current.BlobIDs }
func (c *fileCursor) Err() error                       { return c.err }
func (c *fileCursor) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

// mergingCursor merges a snapshot cursor and an optional compacted
// cursor in key_sid order, deduplicating on tie by preferring the
// snapshot side and discarding the compacted side's entry for that
// key (spec §4.8: "on tie, snapshot wins and the compacted side is
// also consumed").
type mergingCursor struct {
	snap, compacted Cursor
	snapValid       bool
	compValid       bool

	storage limestone.StorageID
	key     []byte
	value   []byte
	kind    limestone.EntryKind
	blobIDs []limestone.BlobID
}

// NewCursor returns the ordinary get_cursor() merging iterator over a
// log directory's snapshot and (if present) compacted file.
func NewCursor(layout *manifest.Layout) (Cursor, error) {
	snap, err := newFileCursor(layout.SnapshotPath())
	if err != nil {
		return nil, err
	}
	compacted, err := newFileCursor(layout.CompactedCurrent())
	if err != nil {
		snap.Close()
		return nil, err
	}
	m := &mergingCursor{snap: snap, compacted: compacted}
	m.snapValid = m.snap.Next()
	m.compValid = m.compacted.Next()
	return m, nil
}

func (m *mergingCursor) Next() bool {
	if !m.snapValid && !m.compValid {
		return false
	}

	useSnap := true
	if m.snapValid && m.compValid {
		cmp := bytes.Compare(keySIDOf(m.snap), keySIDOf(m.compacted))
		useSnap = cmp <= 0
		if cmp == 0 {
			// snapshot wins the tie; also consume the compacted side.
			m.compValid = m.compacted.Next()
		}
	} else if !m.snapValid {
		useSnap = false
	}

	if useSnap {
		m.captureFrom(m.snap)
		m.snapValid = m.snap.Next()
	} else {
		m.captureFrom(m.compacted)
		m.compValid = m.compacted.Next()
	}
	return true
}

func (m *mergingCursor) captureFrom(c Cursor) {
	m.storage = c.Storage()
	m.key = c.Key()
	m.value = c.Value()
	m.kind = c.Kind()
	m.blobIDs = c.BlobIDs()
}

func keySIDOf(c Cursor) []byte {
	return limestone.KeySID(&limestone.Entry{Storage: c.Storage(), Key: c.Key()})
}

func (m *mergingCursor) Storage() limestone.StorageID { return m.storage }
func (m *mergingCursor) Key() []byte                  { return m.key }
func (m *mergingCursor) Value() []byte                { return m.value }
func (m *mergingCursor) Kind() limestone.EntryKind    { return m.kind }
func (m *mergingCursor) BlobIDs() []limestone.BlobID  { return m.blobIDs }

// Err reports the first decode failure hit by either side, or nil.
func (m *mergingCursor) Err() error {
	for _, c := range []Cursor{m.snap, m.compacted} {
		if ec, ok := c.(interface{ Err() error }); ok && ec.Err() != nil {
			return ec.Err()
		}
	}
	return nil
}

func (m *mergingCursor) Close() error {
	err1 := m.snap.Close()
	err2 := m.compacted.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
