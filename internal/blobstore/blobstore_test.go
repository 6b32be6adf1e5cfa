package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/internal/manifest"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	layout := manifest.NewLayout(t.TempDir())
	r, err := NewResolver(layout)
	require.NoError(t, err)
	return r
}

func TestResolverAllocatesMonotonicIDs(t *testing.T) {
	r := newTestResolver(t)
	a := r.Next()
	b := r.Next()
	require.Less(t, a, b)
}

func TestResolverHighWaterMarkSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	layout := manifest.NewLayout(dir)
	r1, err := NewResolver(layout)
	require.NoError(t, err)
	r1.Next()
	r1.Next()
	require.NoError(t, r1.SaveHighWaterMark())

	r2, err := NewResolver(layout)
	require.NoError(t, err)
	require.Equal(t, r1.HighWaterMark(), r2.HighWaterMark())
}

func TestResolverAdvanceHighWaterMarkNeverGoesBackwards(t *testing.T) {
	r := newTestResolver(t)
	r.AdvanceHighWaterMark(100)
	require.Equal(t, uint64(100), r.HighWaterMark())
	r.AdvanceHighWaterMark(10)
	require.Equal(t, uint64(100), r.HighWaterMark())
}

func TestPoolRegisterDataThenResolvePath(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)

	id, err := p.RegisterData([]byte("payload"))
	require.NoError(t, err)

	data, err := os.ReadFile(r.Path(id))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestPoolRegisterFileConsumesTempSource(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)

	src := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.WriteFile(src, []byte("blob-bytes"), 0o644))

	id, err := p.RegisterFile(src, true)
	require.NoError(t, err)

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(r.Path(id))
	require.NoError(t, err)
	require.Equal(t, "blob-bytes", string(data))
}

func TestPoolRegisterFileKeepsNonTempSource(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)

	src := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.WriteFile(src, []byte("blob-bytes"), 0o644))

	_, err := p.RegisterFile(src, false)
	require.NoError(t, err)

	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestPoolDuplicateSharesContent(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)

	id, err := p.RegisterData([]byte("original"))
	require.NoError(t, err)

	dupID, err := p.Duplicate(id)
	require.NoError(t, err)
	require.NotEqual(t, id, dupID)

	data, err := os.ReadFile(r.Path(dupID))
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestPoolRejectsUseAfterRelease(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)
	require.NoError(t, p.Release())
	require.NoError(t, p.Release()) // idempotent

	_, err := p.RegisterData([]byte("too late"))
	require.ErrorIs(t, err, ErrPoolReleased)
}

func TestPoolIdsReflectsRegistrations(t *testing.T) {
	r := newTestResolver(t)
	p := NewPool(r)
	a, err := p.RegisterData([]byte("a"))
	require.NoError(t, err)
	b, err := p.RegisterData([]byte("b"))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{a, b}, p.Ids())
}

func TestStoreGenerateReferenceTagIsDeterministicPerInstance(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)
	store, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)

	tag1, err := store.GenerateReferenceTag(42, 7)
	require.NoError(t, err)
	tag2, err := store.GenerateReferenceTag(42, 7)
	require.NoError(t, err)
	require.Equal(t, tag1, tag2)

	tag3, err := store.GenerateReferenceTag(42, 8)
	require.NoError(t, err)
	require.NotEqual(t, tag1, tag3)
}

func TestStoreTagsDifferAcrossInstances(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)

	s1, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)
	s2, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)

	tag1, err := s1.GenerateReferenceTag(1, 1)
	require.NoError(t, err)
	tag2, err := s2.GenerateReferenceTag(1, 1)
	require.NoError(t, err)
	require.NotEqual(t, tag1, tag2, "independently generated secrets should not collide")
}

func TestStorePersistentSetAddAndRemove(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)
	store, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)

	store.AddPersistentBlobIDs([]uint64{1, 2, 3})
	require.True(t, store.IsPersistent(2))

	removed := store.CheckAndRemovePersistentBlobIDs([]uint64{2, 99})
	require.Equal(t, []uint64{2}, removed)
	require.False(t, store.IsPersistent(2))
	require.True(t, store.IsPersistent(1))
}

func TestStoreAddPersistentAdvancesHighWaterMark(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)
	store, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)

	store.AddPersistentBlobIDs([]uint64{500})
	require.Equal(t, uint64(500), resolver.HighWaterMark())
}

func TestCollectGarbageRemovesUnreferencedBlobsOnly(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)
	store, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)
	pool := NewPool(resolver)

	kept, err := pool.RegisterData([]byte("keep me"))
	require.NoError(t, err)
	garbage, err := pool.RegisterData([]byte("collect me"))
	require.NoError(t, err)

	store.AddPersistentBlobIDs([]uint64{kept})

	swept, removed, err := store.CollectGarbage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, swept)
	require.Equal(t, 1, removed)

	_, err = os.Stat(resolver.Path(kept))
	require.NoError(t, err)
	_, err = os.Stat(resolver.Path(garbage))
	require.True(t, os.IsNotExist(err))
}

func TestCollectGarbageOnEmptyStoreIsNoop(t *testing.T) {
	layout := manifest.NewLayout(t.TempDir())
	resolver, err := NewResolver(layout)
	require.NoError(t, err)
	store, err := NewStore(layout, resolver, nil)
	require.NoError(t, err)

	swept, removed, err := store.CollectGarbage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, swept)
	require.Equal(t, 0, removed)
}
