package cursor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/limestone-go/internal/snapshot"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Default tuning, carried over from original_source's
// partitioned_cursor_consts.h placeholder values.
const (
	DefaultQueueCapacity = 65536
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Millisecond
	DefaultBatchSize     = 64
)

// Distributor owns a background goroutine that drains a merged
// snapshot.Cursor and round-robins its entries across a fixed set of
// queues, one per downstream PartitionedCursor. It must be started
// with Start and always joined with Close, which blocks until the
// distribution goroutine has observed cursor exhaustion (or given up
// after a queue refused an entry) and pushed an end marker to every
// queue.
type Distributor struct {
	cursor     snapshot.Cursor
	queues     []*spscQueue
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewDistributor builds a Distributor over cursor with n downstream
// partitions. It does not start the background goroutine; call Start.
func NewDistributor(c snapshot.Cursor, n int, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	queues := make([]*spscQueue, n)
	for i := range queues {
		queues[i] = newSPSCQueue(DefaultQueueCapacity)
	}
	return &Distributor{
		cursor:     c,
		queues:     queues,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		log:        logger,
	}
}

// Partitions returns one PartitionedCursor per downstream queue, in
// the same round-robin order entries are assigned to them.
func (d *Distributor) Partitions() []*PartitionedCursor {
	out := make([]*PartitionedCursor, len(d.queues))
	for i, q := range d.queues {
		out[i] = &PartitionedCursor{queue: q}
	}
	return out
}

// Start launches the distribution goroutine. Safe to call at most
// once; subsequent calls are no-ops.
func (d *Distributor) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run()
		}()
	})
}

// Close joins the distribution goroutine and closes the underlying
// cursor. It blocks until the goroutine has finished pushing entries
// (including end markers) to every queue.
func (d *Distributor) Close() error {
	d.wg.Wait()
	return d.cursor.Close()
}

func (d *Distributor) run() {
	index := 0
	n := len(d.queues)
	for d.cursor.Next() {
		e := entry{
			storage: d.cursor.Storage(),
			key:     append([]byte(nil), d.cursor.Key()...),
			value:   append([]byte(nil), d.cursor.Value()...),
			kind:    d.cursor.Kind(),
			blobIDs: append([]limestone.BlobID(nil), d.cursor.BlobIDs()...),
		}
		q := d.queues[index%n]
		if !d.pushWithRetry(q, e, index%n) {
			return
		}
		index++
	}
	d.pushEndMarkers(endMarker(true, ""))
}

// pushWithRetry attempts a bounded number of non-blocking pushes with
// a fixed backoff between attempts. A caller observing false should
// stop producing immediately: every remaining reader is considered
// stalled beyond recovery for this distribution run.
func (d *Distributor) pushWithRetry(q *spscQueue, e entry, queueIndex int) bool {
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if q.tryPush(e) {
			return true
		}
		if attempt < d.maxRetries {
			time.Sleep(d.retryDelay)
		}
	}
	d.log.Error("partitioned cursor queue push exhausted retries", "queue_index", queueIndex, "max_retries", d.maxRetries)
	d.pushEndMarkers(endMarker(false, fmt.Sprintf("queue %d did not accept entries after %d retries", queueIndex, d.maxRetries)))
	return false
}

func (d *Distributor) pushEndMarkers(marker entry) {
	for i, q := range d.queues {
		for attempt := 0; attempt <= d.maxRetries; attempt++ {
			if q.tryPush(marker) {
				break
			}
			if attempt < d.maxRetries {
				time.Sleep(d.retryDelay)
			} else {
				d.log.Error("failed to deliver end marker to queue", "queue_index", i)
			}
		}
	}
}
