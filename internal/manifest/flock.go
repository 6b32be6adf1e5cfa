package manifest

import (
	"github.com/gofrs/flock"
)

// flockHandle wraps github.com/gofrs/flock so the rest of this package
// depends on a small seam instead of the library type directly, the
// same narrow-wrapper shape the teacher uses around FileInterface in
// internal/storage/wal/wal.go.
type flockHandle struct {
	fl *flock.Flock
}

func newFlockHandle(path string) (*flockHandle, error) {
	return &flockHandle{fl: flock.New(path)}, nil
}

// TryLock attempts to acquire the exclusive lock without blocking.
func (h *flockHandle) TryLock() (bool, error) {
	return h.fl.TryLock()
}

// Unlock releases the lock. Idempotent per gofrs/flock's own contract.
func (h *flockHandle) Unlock() error {
	return h.fl.Unlock()
}
