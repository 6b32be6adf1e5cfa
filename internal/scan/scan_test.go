package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

func writeSessionFile(t *testing.T, path string, epoch limestone.EpochID, closeSession bool, write func(f *os.File)) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, codec.WriteBegin(f, epoch))
	write(f)
	if closeSession {
		require.NoError(t, codec.WriteEnd(f, epoch))
	}
}

func TestScanPutOnlyKeepsHighestWriteVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 1, true, func(f *os.File) {
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("v1"), limestone.WriteVersion{Major: 1, Minor: 0}))
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("v2"), limestone.WriteVersion{Major: 1, Minor: 1}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewPutOnlyBackend()})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "v2", string(result.Entries[0].Value))
}

func TestScanUpdateToMaxKeepsHighestWriteVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 1, true, func(f *os.File) {
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("v2"), limestone.WriteVersion{Major: 1, Minor: 1}))
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("v1"), limestone.WriteVersion{Major: 1, Minor: 0}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewUpdateToMaxBackend()})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "v2", string(result.Entries[0].Value))
}

func TestScanDiscardsUnclosedSessionAboveDurableEpoch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 10, false, func(f *os.File) {
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("crash-tail"), limestone.WriteVersion{Major: 10, Minor: 0}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewPutOnlyBackend()})
	require.NoError(t, err)
	require.Empty(t, result.Entries)
}

func TestScanKeepsUnclosedSessionAtOrBelowDurableEpoch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 5, false, func(f *os.File) {
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("kept"), limestone.WriteVersion{Major: 5, Minor: 0}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewPutOnlyBackend()})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
}

func TestScanAppliesClearStorageMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 1, true, func(f *os.File) {
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k"), []byte("old"), limestone.WriteVersion{Major: 1, Minor: 0}))
		require.NoError(t, codec.WriteClearStorage(f, 1, limestone.WriteVersion{Major: 2, Minor: 0}))
		require.NoError(t, codec.WriteNormal(f, 1, []byte("k2"), []byte("new"), limestone.WriteVersion{Major: 3, Minor: 0}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewPutOnlyBackend()})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "new", string(result.Entries[0].Value))
}

func TestScanTracksMaxBlobID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pwal_0000")
	writeSessionFile(t, path, 1, true, func(f *os.File) {
		require.NoError(t, codec.WriteNormalWithBlob(f, 1, []byte("k"), []byte("v"),
			limestone.WriteVersion{Major: 1, Minor: 0}, []limestone.BlobID{3, 7, 2}))
	})

	result, err := Scan([]string{path}, 5, Options{Backend: NewPutOnlyBackend(), CollectBlobIDs: true})
	require.NoError(t, err)
	require.Equal(t, limestone.BlobID(7), result.MaxBlobID)
	require.Contains(t, result.ObservedBlobIDs, limestone.BlobID(7))
}

func TestScanFailsOnUnreadableFile(t *testing.T) {
	_, err := Scan([]string{"/nonexistent/path/pwal_0000"}, 5, Options{Backend: NewPutOnlyBackend()})
	require.ErrorIs(t, err, ErrDirectoryCorruption)
}

func TestScanAcrossMultipleWorkersMergesConsistently(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("pwal_%04d", i))
		sid := limestone.StorageID(i)
		writeSessionFile(t, path, 1, true, func(f *os.File) {
			require.NoError(t, codec.WriteNormal(f, sid, []byte("k"), []byte("v"),
				limestone.WriteVersion{Major: 1, Minor: 0}))
		})
		paths = append(paths, path)
	}

	result, err := Scan(paths, 5, Options{Workers: 4, Backend: NewPutOnlyBackend()})
	require.NoError(t, err)
	require.Len(t, result.Entries, 4)
}
