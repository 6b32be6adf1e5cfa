// Package walio collects the low-level file-safety helpers shared by
// every component that durably writes under a log directory. The
// manifest, the epoch tracker, the snapshot builder and the compactor's
// catalog write go through SafeWrite; the log channel appends and
// fsyncs its own file, and the compactor writes its compacted file with
// its own write-fsync-rename sequence.
package walio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// IOError wraps a failing path and the underlying error, matching the
// IoError(path, errno) taxonomy entry.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("walio: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Path: path, Op: op, Err: err}
}

// SafeWrite performs the "open, write, flush, fsync, close, then rename"
// discipline spec §4.2 requires for every manifest/catalog/epoch-file
// write: data lands in <path>.tmp first, which is fsynced and closed
// before being renamed over path, so a crash mid-write never corrupts
// the existing file.
func SafeWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return ioErr("open", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ioErr("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ioErr("rename", path, err)
	}
	if err := FsyncDir(dir); err != nil {
		return err
	}
	return nil
}

// FsyncDir fsyncs a directory so that a preceding rename/create within it
// is durable, not just visible. POSIX requires this to make a rename
// crash-safe; a missing directory fsync is a classic source of
// "file exists after crash but the rename wasn't durable" bugs.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErr("open", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioErr("fsync", dir, err)
	}
	return nil
}

// FatalIO logs a background-thread fatal durability failure and aborts
// the process, folding spec §5/§7's "log and abort" rule into a single
// call site instead of scattering os.Exit calls across components.
//
// It panics rather than calling os.Exit directly so that tests can
// recover() it (see the package's own tests) without killing the test
// binary; cmd/limestone-recover installs a top-level recover that turns
// an unrecovered FatalIO panic into os.Exit(1).
func FatalIO(logger *slog.Logger, op, path string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("fatal durability failure", "op", op, "path", path, "error", err)
	panic(&IOError{Path: path, Op: op, Err: err})
}
