// Package cursor implements the partitioned-cursor fan-out of spec
// §4.11: a single background goroutine drains a merged scan cursor and
// round-robins its entries across N single-producer/single-consumer
// queues, so N independent readers can each walk a disjoint slice of
// the full key space concurrently.
package cursor

import (
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// entry is one item carried on a queue: either a live record or the
// end-of-stream marker. The two are mutually exclusive, mirroring the
// teacher corpus's preference for explicit sum-type structs over a Go
// interface{} variant where the field set is small and fixed.
type entry struct {
	isEnd   bool
	success bool
	message string

	storage limestone.StorageID
	key     []byte
	value   []byte
	kind    limestone.EntryKind
	blobIDs []limestone.BlobID
}

func endMarker(success bool, message string) entry {
	return entry{isEnd: true, success: success, message: message}
}

// spscQueue is a bounded single-producer/single-consumer queue. A
// buffered channel already gives exactly the semantics the original
// boost::lockfree::spsc_queue provides for this access pattern (one
// writer goroutine, one reader goroutine): push is non-blocking up to
// capacity, pop blocks until an item is available.
type spscQueue struct {
	ch chan entry
}

func newSPSCQueue(capacity int) *spscQueue {
	return &spscQueue{ch: make(chan entry, capacity)}
}

// tryPush attempts a non-blocking push, reporting whether it
// succeeded. The caller (Distributor) is responsible for retry/backoff
// when the queue is full.
func (q *spscQueue) tryPush(e entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// waitAndPop blocks until an entry is available.
func (q *spscQueue) waitAndPop() entry {
	return <-q.ch
}
