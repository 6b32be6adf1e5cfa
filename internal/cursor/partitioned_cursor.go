package cursor

import (
	"fmt"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ErrPartitionFailed is reported by Err after Next returns false once
// the distributor reports
// that it could not deliver entries to this or another partition (the
// original implementation aborts every queue together on a push
// failure, since a stalled reader on one partition makes the whole
// distribution run undeliverable).
var ErrPartitionFailed = fmt.Errorf("cursor: partitioned distribution failed")

// PartitionedCursor is one consumer-side handle onto a Distributor's
// round-robin fan-out. It implements the same read-only cursor shape
// as snapshot.Cursor so callers can treat a partition exactly like a
// plain merged cursor.
type PartitionedCursor struct {
	queue   *spscQueue
	current entry
	err     error
	done    bool
}

// Next blocks until the next entry is available, returning false once
// this partition's stream is exhausted. Call Err after a false return
// to distinguish clean exhaustion from a distributor failure.
func (p *PartitionedCursor) Next() bool {
	if p.done {
		return false
	}
	e := p.queue.waitAndPop()
	if e.isEnd {
		p.done = true
		if !e.success {
			p.err = fmt.Errorf("%w: %s", ErrPartitionFailed, e.message)
		}
		return false
	}
	p.current = e
	return true
}

func (p *PartitionedCursor) Storage() limestone.StorageID { return p.current.storage }
func (p *PartitionedCursor) Key() []byte                  { return p.current.key }
func (p *PartitionedCursor) Value() []byte                { return p.current.value }
func (p *PartitionedCursor) Kind() limestone.EntryKind    { return p.current.kind }
func (p *PartitionedCursor) BlobIDs() []limestone.BlobID  { return p.current.blobIDs }

// Err reports a distribution failure observed via the end marker, or
// nil on clean exhaustion.
func (p *PartitionedCursor) Err() error { return p.err }

// Close is a no-op: the queue's lifetime is owned by the Distributor,
// which is closed once via Distributor.Close after every partition has
// been drained.
func (p *PartitionedCursor) Close() error { return nil }
