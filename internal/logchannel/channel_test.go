package logchannel

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

func newTestChannel(t *testing.T) (*Channel, *manifest.Layout) {
	t.Helper()
	layout := manifest.NewLayout(t.TempDir())
	ch, err := New(0, layout, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ch.file.Close() })
	return ch, layout
}

func TestBeginSessionTransitionsToOpen(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.Equal(t, StateIdle, ch.State())
	require.NoError(t, ch.BeginSession(5))
	require.Equal(t, StateOpen, ch.State())
	require.Equal(t, limestone.EpochID(5), ch.Epoch())
}

func TestBeginSessionTwiceFails(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.BeginSession(1))
	require.ErrorIs(t, ch.BeginSession(2), ErrAlreadyOpen)
}

func TestAddEntryRequiresOpenSession(t *testing.T) {
	ch, _ := newTestChannel(t)
	err := ch.AddEntry(&limestone.Entry{Kind: limestone.KindNormal})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestAddEntryStampsSessionEpoch(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.BeginSession(9))
	e := &limestone.Entry{Kind: limestone.KindNormal, Storage: 1, Key: []byte("k"), Value: []byte("v")}
	require.NoError(t, ch.AddEntry(e))
	require.Equal(t, limestone.EpochID(9), e.Epoch)
}

func TestEndSessionRequiresOpenSession(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.ErrorIs(t, ch.EndSession(), ErrNotOpen)
}

func TestFullSessionRoundTripsThroughCodec(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.BeginSession(3))
	require.NoError(t, ch.AddEntry(&limestone.Entry{
		Kind: limestone.KindNormal, Storage: 7, Key: []byte("k1"), Value: []byte("v1"),
		WriteVersion: limestone.WriteVersion{Major: 3, Minor: 0},
	}))
	require.NoError(t, ch.EndSession())
	require.Equal(t, StateIdle, ch.State())

	data, err := os.ReadFile(ch.path)
	require.NoError(t, err)

	r := bytes.NewReader(data)
	begin, err := codec.Read(r)
	require.NoError(t, err)
	require.Equal(t, limestone.KindBegin, begin.Kind)

	normal, err := codec.Read(r)
	require.NoError(t, err)
	require.Equal(t, limestone.KindNormal, normal.Kind)
	require.Equal(t, "k1", string(normal.Key))

	end, err := codec.Read(r)
	require.NoError(t, err)
	require.Equal(t, limestone.KindEnd, end.Kind)
}

func TestAbortSessionWritesInvalidatedBeginAndTransitionsToAborted(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.BeginSession(1))
	require.NoError(t, ch.AddEntry(&limestone.Entry{Kind: limestone.KindNormal, Storage: 1, Key: []byte("k")}))
	ch.AbortSession(errors.New("simulated transaction failure"))
	require.Equal(t, StateAborted, ch.State())

	data, err := os.ReadFile(ch.path)
	require.NoError(t, err)
	r := bytes.NewReader(data)
	for _, want := range []limestone.EntryKind{limestone.KindBegin, limestone.KindNormal, limestone.KindInvalidatedBegin} {
		e, err := codec.Read(r)
		require.NoError(t, err)
		require.Equal(t, want, e.Kind)
	}
}


func TestAbortSessionIsNoopWhenNotOpen(t *testing.T) {
	ch, _ := newTestChannel(t)
	ch.AbortSession(nil)
	require.Equal(t, StateIdle, ch.State())
}

func TestRotateRejectsOpenSession(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.BeginSession(1))
	_, err := ch.Rotate()
	require.Error(t, err)
}

func TestRotateRenamesAndReopens(t *testing.T) {
	ch, layout := newTestChannel(t)
	require.NoError(t, ch.BeginSession(1))
	require.NoError(t, ch.AddEntry(&limestone.Entry{Kind: limestone.KindNormal, Storage: 1, Key: []byte("k")}))
	require.NoError(t, ch.EndSession())

	result, err := ch.Rotate()
	require.NoError(t, err)
	require.FileExists(t, result.OldPath)
	require.Equal(t, layout.PWAL(0), result.NewPath)

	info, err := os.Stat(result.NewPath)
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Size())
}

func TestRotateTwiceProducesDistinctSuffixes(t *testing.T) {
	ch, _ := newTestChannel(t)

	r1, err := ch.Rotate()
	require.NoError(t, err)
	r2, err := ch.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, r1.OldPath, r2.OldPath)
}
