package walio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeWriteCreatesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	require.NoError(t, SafeWrite(path, []byte("hello"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "tmp file should be gone after rename")
}

func TestSafeWriteOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epoch")

	require.NoError(t, SafeWrite(path, []byte("epoch=1"), 0o644))
	require.NoError(t, SafeWrite(path, []byte("epoch=2"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "epoch=2", string(got))
}

func TestSafeWriteFailsOnMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "epoch")
	err := SafeWrite(path, []byte("x"), 0o644)
	require.Error(t, err)
}

func TestFatalIOPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		ioErr, ok := r.(*IOError)
		require.True(t, ok)
		require.Equal(t, "fsync", ioErr.Op)
	}()
	FatalIO(nil, "fsync", "/tmp/x", os.ErrClosed)
}
