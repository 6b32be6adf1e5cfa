package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Env var names read by NewGRPCHookFromEnv (spec §6.3).
const (
	EnvEndpoint          = "TSURUGI_REPLICATION_ENDPOINT"
	EnvAsyncSessionClose = "REPLICATION_ASYNC_SESSION_CLOSE"
	EnvAsyncGroupCommit  = "REPLICATION_ASYNC_GROUP_COMMIT"
)

const jsonCodecName = "limestone-json"

// jsonCodec is a hand-registered encoding.Codec so GRPCHook can call
// grpc.ClientConn.Invoke directly against a replica's control and
// mirror RPCs without depending on protoc-generated stubs: there is no
// .proto source for this service in this codebase, only the wire
// messages spec §4.10 and §6.3 define, so the codec marshals them as
// JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// wire message shapes exchanged with the replica. Field names are part
// of the wire contract and must not be renamed independently of the
// replica implementation.
type sessionBeginMsg struct{}
type sessionBeginAckMsg struct{ Accepted bool }

type groupCommitMsg struct {
	Epoch limestone.EpochID `json:"epoch"`
}
type commonAckMsg struct{ Ok bool }

type logEntryWire struct {
	Storage    limestone.StorageID `json:"storage"`
	Key        []byte              `json:"key"`
	Value      []byte              `json:"value"`
	Kind       int                 `json:"kind"`
	WriteMajor limestone.EpochID   `json:"write_major"`
	WriteMinor uint64              `json:"write_minor"`
	BlobIDs    []limestone.BlobID  `json:"blob_ids,omitempty"`
}

type logEntriesMsg struct {
	ChannelID int               `json:"channel_id"`
	Epoch     limestone.EpochID `json:"epoch"`
	SessionOp int               `json:"session_op"`
	Entries   []logEntryWire    `json:"entries"`
}

// GRPCHook is the non-noop Hook: it dials a replica once and issues
// every call over grpc.ClientConn.Invoke using jsonCodec, mirroring the
// teacher's pattern of wrapping a thin client around a bare
// grpc.ClientConnInterface rather than generated service stubs.
type GRPCHook struct {
	absentGuard
	conn              *grpc.ClientConn
	asyncSessionClose bool
	asyncGroupCommit  bool

	mu sync.Mutex
}

// NewGRPCHook dials endpoint and returns a ready Hook. The dial itself
// is non-blocking (grpc.NewClient does not probe connectivity); the
// first RPC is what may discover the replica is absent.
func NewGRPCHook(endpoint string, asyncSessionClose, asyncGroupCommit bool, logger *slog.Logger) (*GRPCHook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("replication: dialing %s: %w", endpoint, err)
	}
	return &GRPCHook{
		absentGuard:       absentGuard{log: logger},
		conn:              conn,
		asyncSessionClose: asyncSessionClose,
		asyncGroupCommit:  asyncGroupCommit,
	}, nil
}

// NewGRPCHookFromEnv builds a Hook from the environment per spec §6.3.
// If TSURUGI_REPLICATION_ENDPOINT is unset, it returns a NoopHook and
// replication stays disabled, which is the default.
func NewGRPCHookFromEnv(logger *slog.Logger) (Hook, error) {
	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		return NoopHook{}, nil
	}
	asyncClose, _ := strconv.ParseBool(os.Getenv(EnvAsyncSessionClose))
	asyncCommit, _ := strconv.ParseBool(os.Getenv(EnvAsyncGroupCommit))
	return NewGRPCHook(endpoint, asyncClose, asyncCommit, logger)
}

func (h *GRPCHook) SessionBegin(ctx context.Context) error {
	if h.Absent() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writabilityCeiling)
	defer cancel()

	var ack sessionBeginAckMsg
	if err := h.invoke(ctx, "/limestone.replication.Control/SessionBegin", sessionBeginMsg{}, &ack); err != nil {
		h.markAbsent("session_begin", err)
		return nil
	}
	if !ack.Accepted {
		h.markAbsent("session_begin", fmt.Errorf("replica rejected session_begin"))
	}
	return nil
}

func (h *GRPCHook) GroupCommit(ctx context.Context, epoch limestone.EpochID) error {
	if h.Absent() {
		return nil
	}
	send := func() {
		cctx, cancel := context.WithTimeout(context.Background(), writabilityCeiling)
		defer cancel()
		var ack commonAckMsg
		if err := h.invoke(cctx, "/limestone.replication.Control/GroupCommit", groupCommitMsg{Epoch: epoch}, &ack); err != nil {
			h.markAbsent("group_commit", err)
		}
	}
	if h.asyncGroupCommit {
		go send()
		return nil
	}
	send()
	return nil
}

func (h *GRPCHook) MirrorLogEntries(ctx context.Context, batch LogEntryBatch) error {
	if h.Absent() {
		return nil
	}
	wire := logEntriesMsg{
		ChannelID: batch.ChannelID,
		Epoch:     batch.Epoch,
		SessionOp: int(batch.SessionOp),
	}
	for _, e := range batch.Entries {
		wire.Entries = append(wire.Entries, logEntryWire{
			Storage:    e.Storage,
			Key:        e.Key,
			Value:      e.Value,
			Kind:       int(e.Kind),
			WriteMajor: e.WriteVersion.Major,
			WriteMinor: e.WriteVersion.Minor,
			BlobIDs:    e.BlobIDs,
		})
	}

	send := func() {
		cctx, cancel := context.WithTimeout(context.Background(), writabilityCeiling)
		defer cancel()
		var ack commonAckMsg
		if err := h.invoke(cctx, "/limestone.replication.Mirror/LogEntries", wire, &ack); err != nil {
			h.markAbsent("log_entries", err)
		}
	}
	if batch.SessionOp == SessionOpEnd && h.asyncSessionClose {
		go send()
		return nil
	}
	send()
	return nil
}

func (h *GRPCHook) invoke(ctx context.Context, method string, req, resp any) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	return conn.Invoke(ctx, method, req, resp)
}

func (h *GRPCHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}
