// Package logchannel implements the per-writer persistence session of
// spec §4.4: a Channel is the single object a transaction-processing
// thread appends entries through, bracketed by BeginSession and
// EndSession, with crash-bounded rotation onto a fresh file.
//
// A Channel is intentionally not safe for concurrent use by more than
// one goroutine at a time, mirroring log_channel's own contract
// ("this object is not thread-safe, assuming each thread uses its own
// log_channel"); a Datastore hands out one Channel per writer.
package logchannel

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/internal/walio"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// State is the Channel's session state machine: Idle -> Open ->
// (Idle | Aborted).
type State int

const (
	// StateIdle means no session is open; BeginSession is the only
	// valid call.
	StateIdle State = iota
	// StateOpen means a session is in progress; entries may be added
	// and the session may be ended normally or aborted.
	StateOpen
	// StateAborted means the last session was aborted: the channel's
	// current file carries an invalidated_begin marker, so recovery
	// discards that session. BeginSession may open a new session from
	// this state, and Rotate returns the channel to StateIdle.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned when AddEntry/EndSession/AbortSession is
// called while the channel is not in StateOpen.
var ErrNotOpen = fmt.Errorf("logchannel: channel is not open")

// ErrAlreadyOpen is returned when BeginSession is called while the
// channel is already in StateOpen.
var ErrAlreadyOpen = fmt.Errorf("logchannel: channel already has an open session")

// Channel owns one pwal_NNNN file and the append session state over
// it.
type Channel struct {
	id     int
	layout *manifest.Layout
	log    *slog.Logger

	mu    sync.Mutex
	state State
	file  *os.File
	path  string

	epoch atomic.Uint64 // current session's epoch, published lock-free for readers
}

// New opens (creating if absent) the channel file for id under
// layout's directory, in StateIdle.
func New(id int, layout *manifest.Layout, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := layout.PWAL(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logchannel: opening %s: %w", path, err)
	}
	return &Channel{id: id, layout: layout, log: logger, file: f, path: path, state: StateIdle}, nil
}

// ID returns the channel's index, matching the numeric suffix of its
// pwal_NNNN file.
func (c *Channel) ID() int { return c.id }

// State returns the channel's current session state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the epoch of the channel's current (or most recently
// closed) session, readable without holding c.mu so the epoch tracker
// can poll it from another goroutine.
func (c *Channel) Epoch() limestone.EpochID {
	return limestone.EpochID(c.epoch.Load())
}

// BeginSession opens a new persistence session for epoch, writing a
// marker_begin record. It fails if a session is already open.
func (c *Channel) BeginSession(epoch limestone.EpochID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return ErrAlreadyOpen
	}

	if err := codec.WriteBegin(c.file, epoch); err != nil {
		walio.FatalIO(c.log, "begin_session", c.path, err)
	}
	if err := c.file.Sync(); err != nil {
		walio.FatalIO(c.log, "begin_session.sync", c.path, err)
	}

	c.epoch.Store(uint64(epoch))
	c.state = StateOpen
	return nil
}

// AddEntry appends e to the current session. The caller's e.Epoch is
// overwritten with the session's epoch: an entry always belongs to the
// session it was added under.
func (c *Channel) AddEntry(e *limestone.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return ErrNotOpen
	}
	e.Epoch = limestone.EpochID(c.epoch.Load())

	if err := writeEntry(c.file, e); err != nil {
		walio.FatalIO(c.log, "add_entry", c.path, err)
	}
	return nil
}

// EndSession closes the current session normally, writing a marker_end
// record and fsyncing.
func (c *Channel) EndSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return ErrNotOpen
	}

	if err := codec.WriteEnd(c.file, limestone.EpochID(c.epoch.Load())); err != nil {
		walio.FatalIO(c.log, "end_session", c.path, err)
	}
	if err := c.file.Sync(); err != nil {
		walio.FatalIO(c.log, "end_session.sync", c.path, err)
	}

	c.state = StateIdle
	return nil
}

// AbortSession terminates the current session with an error, writing
// a marker_invalidated_begin record so recovery discards everything
// this session wrote.
func (c *Channel) AbortSession(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return
	}
	c.log.Warn("aborting log channel session", "channel", c.id, "epoch", c.epoch.Load(), "reason", reason)

	if err := codec.WriteInvalidatedBegin(c.file, limestone.EpochID(c.epoch.Load())); err != nil {
		c.log.Error("failed writing invalidated_begin during abort", "channel", c.id, "error", err)
	}
	_ = c.file.Sync()

	c.state = StateAborted
}

// writeEntry dispatches e to the matching codec.Write* function based
// on its Kind.
func writeEntry(f *os.File, e *limestone.Entry) error {
	switch e.Kind {
	case limestone.KindNormal:
		return codec.WriteNormal(f, e.Storage, e.Key, e.Value, e.WriteVersion)
	case limestone.KindNormalWithBlob:
		return codec.WriteNormalWithBlob(f, e.Storage, e.Key, e.Value, e.WriteVersion, e.BlobIDs)
	case limestone.KindRemove:
		return codec.WriteRemove(f, e.Storage, e.Key, e.WriteVersion)
	case limestone.KindClearStorage:
		return codec.WriteClearStorage(f, e.Storage, e.WriteVersion)
	case limestone.KindAddStorage:
		return codec.WriteAddStorage(f, e.Storage, e.WriteVersion)
	case limestone.KindRemoveStorage:
		return codec.WriteRemoveStorage(f, e.Storage, e.WriteVersion)
	default:
		return fmt.Errorf("logchannel: cannot append entry of kind %s", e.Kind)
	}
}
