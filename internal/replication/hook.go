// Package replication implements the advisory outbound replication
// hook of spec §4.10: an optional control channel for session
// lifecycle and group-commit barrier messages, plus one log-record
// mirror per log channel. A failing replica never fails the primary
// write path; it is marked absent and further attempts are bypassed.
package replication

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// LogEntryBatch mirrors one log channel's appended records plus its
// session boundary, as a single outbound message.
type LogEntryBatch struct {
	ChannelID int
	Epoch     limestone.EpochID
	Entries   []*limestone.Entry
	SessionOp SessionOp
}

// SessionOp names which session-boundary event, if any, a batch
// represents.
type SessionOp int

const (
	// SessionOpNone means the batch carries only entries, no boundary.
	SessionOpNone SessionOp = iota
	SessionOpBegin
	SessionOpEnd
	SessionOpFlush
)

// Hook is the outbound façade the datastore drives. Every method is
// fire-and-forget from the primary write path's point of view: a
// returned error only ever comes from a configuration problem at call
// time (e.g. the hook was never started), never from the network.
type Hook interface {
	// SessionBegin announces replication startup and waits for an ack.
	SessionBegin(ctx context.Context) error
	// GroupCommit reports a newly advanced durable epoch after its
	// epoch-file record has been fsynced, and waits for a common ack.
	GroupCommit(ctx context.Context, epoch limestone.EpochID) error
	// MirrorLogEntries sends one channel's batch downstream.
	MirrorLogEntries(ctx context.Context, batch LogEntryBatch) error
	// Absent reports whether the replica has been marked unreachable.
	Absent() bool
	// Close releases any held connection.
	Close() error
}

// NoopHook is the zero-configuration Hook used when no replication
// endpoint is configured (spec §6.3: replication is opt-in via
// TSURUGI_REPLICATION_ENDPOINT).
type NoopHook struct{}

func (NoopHook) SessionBegin(context.Context) error                    { return nil }
func (NoopHook) GroupCommit(context.Context, limestone.EpochID) error  { return nil }
func (NoopHook) MirrorLogEntries(context.Context, LogEntryBatch) error { return nil }
func (NoopHook) Absent() bool                                          { return true }
func (NoopHook) Close() error                                          { return nil }

// absentGuard is the shared "mark absent, bypass future attempts"
// state machine every non-noop Hook implementation composes.
type absentGuard struct {
	absent atomic.Bool
	log    *slog.Logger
}

func (g *absentGuard) Absent() bool { return g.absent.Load() }

func (g *absentGuard) markAbsent(op string, err error) {
	if g.absent.CompareAndSwap(false, true) {
		g.log.Warn("replication endpoint marked absent after failed send", "op", op, "error", err)
	}
}

// writabilityCeiling is the maximum time a Hook implementation may
// spend establishing that a replica is reachable before giving up and
// marking it absent (spec §4.10 is advisory-only: the primary write
// path must never be blocked indefinitely by a stalled replica).
const writabilityCeiling = 10 * time.Second
