package datastore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/internal/cursor"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

func newTestDatastore(t *testing.T, channels int) *Datastore {
	t.Helper()
	dir := t.TempDir()
	ds, err := Open(Config{Dir: dir, ChannelCount: channels})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Shutdown() })
	require.NoError(t, ds.Recover(context.Background()))
	return ds
}

func writeOneEntry(t *testing.T, ds *Datastore, chIdx int, epoch limestone.EpochID, storage limestone.StorageID, key, value string, minor uint64) {
	t.Helper()
	ch, err := ds.CreateChannel(chIdx)
	require.NoError(t, err)
	require.NoError(t, ch.BeginSession(epoch))
	require.NoError(t, ch.AddEntry(&limestone.Entry{
		Kind:         limestone.KindNormal,
		Storage:      storage,
		Key:          []byte(key),
		Value:        []byte(value),
		WriteVersion: limestone.WriteVersion{Major: epoch, Minor: minor},
	}))
	require.NoError(t, ch.EndSession())
}

func readAll(t *testing.T, ds *Datastore) map[string]string {
	t.Helper()
	cur, err := ds.GetSnapshot()
	require.NoError(t, err)
	defer cur.Close()

	out := make(map[string]string)
	for cur.Next() {
		if cur.Kind() == limestone.KindRemove {
			delete(out, string(cur.Key()))
			continue
		}
		out[string(cur.Key())] = string(cur.Value())
	}
	return out
}

// Scenario 1: minimal durability — a single committed entry survives a
// fresh Open+Recover cycle against the same directory.
func TestMinimalDurabilitySurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	ds, err := Open(Config{Dir: dir, ChannelCount: 1})
	require.NoError(t, err)
	require.NoError(t, ds.Recover(context.Background()))
	writeOneEntry(t, ds, 0, 1, 7, "k1", "v1", 1)
	require.NoError(t, ds.SwitchEpoch(2))
	require.NoError(t, ds.Shutdown())

	reopened, err := Open(Config{Dir: dir, ChannelCount: 1})
	require.NoError(t, err)
	defer reopened.Shutdown()
	require.NoError(t, reopened.Recover(context.Background()))

	got := readAll(t, reopened)
	require.Equal(t, "v1", got["k1"])
}

// Scenario 2: overwrite — a later write_version for the same key wins.
func TestOverwriteKeepsHighestWriteVersion(t *testing.T) {
	ds := newTestDatastore(t, 1)
	writeOneEntry(t, ds, 0, 1, 1, "k", "old", 1)
	writeOneEntry(t, ds, 0, 2, 1, "k", "new", 1)
	require.NoError(t, ds.SwitchEpoch(3))
	require.NoError(t, ds.Recover(context.Background()))

	got := readAll(t, ds)
	require.Equal(t, "new", got["k"])
}

// Scenario 3: range delete — clear_storage drops every key below its
// write_version for that storage.
func TestRangeDeleteDropsOlderKeysInStorage(t *testing.T) {
	ds := newTestDatastore(t, 1)
	writeOneEntry(t, ds, 0, 1, 5, "a", "1", 1)
	writeOneEntry(t, ds, 0, 1, 5, "b", "2", 2)

	ch, err := ds.CreateChannel(0)
	require.NoError(t, err)
	require.NoError(t, ch.BeginSession(2))
	require.NoError(t, ch.AddEntry(&limestone.Entry{
		Kind:         limestone.KindClearStorage,
		Storage:      5,
		WriteVersion: limestone.WriteVersion{Major: 2, Minor: 0},
	}))
	require.NoError(t, ch.EndSession())

	writeOneEntry(t, ds, 0, 3, 5, "c", "3", 1)
	require.NoError(t, ds.SwitchEpoch(4))
	require.NoError(t, ds.Recover(context.Background()))

	got := readAll(t, ds)
	require.NotContains(t, got, "a")
	require.NotContains(t, got, "b")
	require.Equal(t, "3", got["c"])
}

// Scenario 4: blob lifecycle — a registered blob survives recovery as
// a persistent id once its referencing entry is durable, and its file
// content is reachable via the resolver's path.
func TestBlobLifecycleSurvivesRecovery(t *testing.T) {
	ds := newTestDatastore(t, 1)

	pool := ds.AcquireBlobPool()
	id, err := pool.RegisterData([]byte("blob-payload"))
	require.NoError(t, err)
	require.NoError(t, pool.Release())

	ch, err := ds.CreateChannel(0)
	require.NoError(t, err)
	require.NoError(t, ch.BeginSession(1))
	require.NoError(t, ch.AddEntry(&limestone.Entry{
		Kind:         limestone.KindNormalWithBlob,
		Storage:      1,
		Key:          []byte("k"),
		Value:        []byte("v"),
		WriteVersion: limestone.WriteVersion{Major: 1, Minor: 1},
		BlobIDs:      []limestone.BlobID{id},
	}))
	require.NoError(t, ch.EndSession())
	require.NoError(t, ds.SwitchEpoch(2))
	require.NoError(t, ds.Recover(context.Background()))

	require.True(t, ds.blobs.IsPersistent(id))
	data, err := os.ReadFile(ds.resolver.Path(id))
	require.NoError(t, err)
	require.Equal(t, "blob-payload", string(data))
}

// Scenario 5: compaction atomicity — a compaction run produces a
// readable compacted file and catalog, and the merged state through
// GetSnapshot is unaffected by the compaction having run.
func TestCompactionPreservesReadableState(t *testing.T) {
	ds := newTestDatastore(t, 1)
	writeOneEntry(t, ds, 0, 1, 1, "k", "v1", 1)
	require.NoError(t, ds.SwitchEpoch(2))
	require.NoError(t, ds.Recover(context.Background()))

	before := readAll(t, ds)

	result, err := ds.Compact()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.FileExists(t, result.CompactedFile)

	ch, err := ds.CreateChannel(0)
	require.NoError(t, err)
	require.NoError(t, ch.BeginSession(2))
	require.NoError(t, ch.AddEntry(&limestone.Entry{
		Kind:         limestone.KindNormal,
		Storage:      1,
		Key:          []byte("k2"),
		Value:        []byte("v2"),
		WriteVersion: limestone.WriteVersion{Major: 2, Minor: 1},
	}))
	require.NoError(t, ch.EndSession())
	require.NoError(t, ds.SwitchEpoch(3))
	require.NoError(t, ds.Recover(context.Background()))

	after := readAll(t, ds)
	require.Equal(t, before["k"], after["k"])
	require.Equal(t, "v2", after["k2"])
}

// Scenario 6: partition cursor parity — distributing a merged cursor
// across N partitions yields exactly the same key set as reading it
// directly, just split up.
func TestPartitionedCursorParityWithMergedCursor(t *testing.T) {
	ds := newTestDatastore(t, 2)
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		writeOneEntry(t, ds, i%2, limestone.EpochID(i+1), 1, k, k+"-v", 1)
		require.NoError(t, ds.SwitchEpoch(limestone.EpochID(i+2)))
	}
	require.NoError(t, ds.Recover(context.Background()))

	direct := readAll(t, ds)

	cur, err := ds.GetSnapshot()
	require.NoError(t, err)
	dist := cursor.NewDistributor(cur, 3, nil)
	dist.Start()
	parts := dist.Partitions()

	merged := make(map[string]string)
	for _, p := range parts {
		for p.Next() {
			merged[string(p.Key())] = string(p.Value())
		}
	}
	require.NoError(t, dist.Close())
	require.Equal(t, direct, merged)
}
