package epoch

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

type fakeSource struct {
	mu     sync.Mutex
	states []ChannelState
}

func (f *fakeSource) ChannelStates() []ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelState, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeSource) set(states []ChannelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func readEpochFile(t *testing.T, layout *manifest.Layout) int {
	t.Helper()
	data, err := os.ReadFile(layout.EpochFile())
	require.NoError(t, err)
	var v int
	_, err = fmt.Sscanf(string(data), "epoch=%d", &v)
	require.NoError(t, err)
	return v
}

func TestSwitchEpochRejectsNonIncreasing(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 0, Finished: true}}}
	tr := New(layout, src, nil)

	require.NoError(t, tr.SwitchEpoch(5))
	require.Error(t, tr.SwitchEpoch(5))
	require.Error(t, tr.SwitchEpoch(4))
}

func TestObserveAdvancesDurableEpochWhenAllChannelsFinished(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 3, Finished: true}, {Epoch: 3, Finished: true}}}
	tr := New(layout, src, nil)

	require.NoError(t, tr.SwitchEpoch(4))
	require.Equal(t, 3, readEpochFile(t, layout))
}

func TestObserveDoesNotAdvancePastOpenChannel(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 1, Finished: false}}}
	tr := New(layout, src, nil)

	require.NoError(t, tr.SwitchEpoch(5))
	// min in-flight epoch is 1 (still open) -> durable = 0, clamped by
	// switched-1 = 4; the smaller of the two wins, so durable is 0,
	// which does not exceed the initial recorded value: nothing is
	// recorded and no callback boundary is informed.
	require.NoFileExists(t, layout.EpochFile())
	require.Equal(t, limestone.EpochID(0), tr.Informed())
}

func TestCallbackInvokedMonotonicallyAtMostOncePerEpoch(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 1, Finished: true}}}
	tr := New(layout, src, nil)

	var mu sync.Mutex
	var seen []limestone.EpochID
	tr.AddPersistentCallback(func(e limestone.EpochID) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	require.NoError(t, tr.SwitchEpoch(2))
	src.set([]ChannelState{{Epoch: 2, Finished: true}})
	require.NoError(t, tr.SwitchEpoch(3))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i])
	}
}

func TestRemovePersistentCallbackStopsFutureInvocations(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 1, Finished: true}}}
	tr := New(layout, src, nil)

	calls := 0
	token := tr.AddPersistentCallback(func(limestone.EpochID) { calls++ })
	require.NoError(t, tr.SwitchEpoch(2))
	require.Equal(t, 1, calls)

	tr.RemovePersistentCallback(token)
	src.set([]ChannelState{{Epoch: 2, Finished: true}})
	require.NoError(t, tr.SwitchEpoch(3))
	require.Equal(t, 1, calls, "removed callback must not fire again")
}

func TestInformedTracksRecordFinished(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	src := &fakeSource{states: []ChannelState{{Epoch: 1, Finished: true}}}
	tr := New(layout, src, nil)

	require.NoError(t, tr.SwitchEpoch(2))
	require.Equal(t, limestone.EpochID(1), tr.Informed())
}
