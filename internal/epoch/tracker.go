// Package epoch implements the durable-epoch computation of spec
// §4.5: tracking the minimum in-flight epoch across every open log
// channel, advancing the persisted epoch boundary as channels finish,
// and dispatching the registered durability callback(s) at most once
// per epoch, in order.
package epoch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/internal/walio"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ChannelState is the tracker's view of one channel: its current
// epoch, and whether that epoch is still open (in flight) or finished
// (the channel is idle, so the epoch cannot advance past what it last
// recorded).
type ChannelState struct {
	Epoch    limestone.EpochID
	Finished bool
}

// Source supplies the tracker with the current state of every log
// channel it must account for. internal/datastore implements this over
// its live Channel set.
type Source interface {
	ChannelStates() []ChannelState
}

// Callback is invoked with the new durable epoch boundary, at most
// once per epoch and strictly in increasing order.
type Callback func(epoch limestone.EpochID)

// Tracker holds the four atomics of spec §4.5 and drives the
// durable-epoch computation whenever SwitchEpoch or Observe is called.
// Nothing in this module calls Observe when a channel ends its session,
// so the durable boundary moves on the next SwitchEpoch.
type Tracker struct {
	layout *manifest.Layout
	source Source
	log    *slog.Logger

	switched       atomic.Uint64 // epoch_id_switched
	toBeRecorded   atomic.Uint64 // epoch_id_to_be_recorded
	recordFinished atomic.Uint64 // epoch_id_record_finished
	informed       atomic.Uint64 // epoch_id_informed

	// cbMu guards callback dispatch and registration. Dispatch holds the
	// read lock while invoking callbacks so RemovePersistentCallback
	// (which takes the write lock) cannot return until every
	// in-progress dispatch has finished, giving the "no invocation
	// starts after removal returns" guarantee spec §4.5 requires.
	cbMu      sync.RWMutex
	callbacks map[int]Callback
	nextID    int
}

// New creates a Tracker. source supplies channel states on demand;
// layout names the epoch file to write.
func New(layout *manifest.Layout, source Source, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{layout: layout, source: source, log: logger, callbacks: make(map[int]Callback)}
}

// SwitchEpoch records a new epoch_id_switched value and recomputes the
// durable boundary. It requires n > the current value.
func (t *Tracker) SwitchEpoch(n limestone.EpochID) error {
	for {
		cur := t.switched.Load()
		if uint64(n) <= cur {
			return fmt.Errorf("epoch: switch_epoch(%d) must exceed current switched epoch %d", n, cur)
		}
		if t.switched.CompareAndSwap(cur, uint64(n)) {
			break
		}
	}
	t.observe()
	return nil
}

// Switched returns the most recent value passed to SwitchEpoch.
func (t *Tracker) Switched() limestone.EpochID {
	return limestone.EpochID(t.switched.Load())
}

// Informed returns the last epoch for which the durability callback
// was invoked.
func (t *Tracker) Informed() limestone.EpochID {
	return limestone.EpochID(t.informed.Load())
}

// Observe recomputes the durable epoch boundary from the current
// channel states. Callers invoke this after any event that could move
// the minimum in-flight epoch: a channel ending its session, or
// SwitchEpoch (which calls it internally).
func (t *Tracker) Observe() {
	t.observe()
}

func (t *Tracker) observe() {
	minInFlight, ok := t.minInFlightEpoch()
	if !ok {
		return
	}

	switched := limestone.EpochID(t.switched.Load())
	durable := minInFlight - 1
	if switched > 0 && durable > switched-1 {
		durable = switched - 1
	}

	for {
		cur := t.toBeRecorded.Load()
		if uint64(durable) <= cur {
			break
		}
		if t.toBeRecorded.CompareAndSwap(cur, uint64(durable)) {
			t.recordDurableEpoch(durable)
			break
		}
	}

	t.dispatchCallbacks()
}

// minInFlightEpoch returns the minimum in-flight epoch across
// channels: an open channel contributes its current epoch, a finished
// channel contributes one past its last epoch, since that epoch is
// already closed.
func (t *Tracker) minInFlightEpoch() (limestone.EpochID, bool) {
	states := t.source.ChannelStates()
	if len(states) == 0 {
		return 0, false
	}

	var min limestone.EpochID
	first := true
	for _, s := range states {
		e := s.Epoch
		if s.Finished {
			e++
		}
		if first || e < min {
			min = e
			first = false
		}
	}
	return min, true
}

// recordDurableEpoch writes the new boundary to the epoch file,
// fsyncs, and advances epoch_id_record_finished. Only the CAS winner
// in observe calls this, so no external synchronization is needed
// here.
func (t *Tracker) recordDurableEpoch(d limestone.EpochID) {
	content := fmt.Sprintf("epoch=%d\n", d)
	if err := walio.SafeWrite(t.layout.EpochFile(), []byte(content), 0o644); err != nil {
		walio.FatalIO(t.log, "record_durable_epoch", t.layout.EpochFile(), err)
	}
	t.recordFinished.Store(uint64(d))
}

// dispatchCallbacks invokes the registered callbacks for any epoch
// between the last-informed value and epoch_id_record_finished,
// ensuring at most one invocation per epoch and strict monotonicity.
// Only the thread that wins the informed CAS calls the callbacks,
// which can land on any progressing goroutine per spec §4.5.
func (t *Tracker) dispatchCallbacks() {
	for {
		finished := t.recordFinished.Load()
		informed := t.informed.Load()
		if finished <= informed {
			return
		}
		if !t.informed.CompareAndSwap(informed, finished) {
			continue
		}

		t.cbMu.RLock()
		for _, cb := range t.callbacks {
			cb(limestone.EpochID(finished))
		}
		t.cbMu.RUnlock()
		return
	}
}

// AddPersistentCallback registers cb to be invoked whenever the
// durable epoch advances, and returns a token for RemovePersistentCallback.
func (t *Tracker) AddPersistentCallback(cb Callback) int {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	id := t.nextID
	t.nextID++
	t.callbacks[id] = cb
	return id
}

// RemovePersistentCallback removes a previously registered callback.
// It blocks until any dispatch already in progress finishes, so once
// this returns, no invocation of the removed callback can start.
func (t *Tracker) RemovePersistentCallback(token int) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	delete(t.callbacks, token)
}
