// Package blobstore implements the BLOB file resolver and provisional
// pool of spec §4.3: mapping blob_ids to on-disk paths, provisional
// registration scoped to one transaction, promotion to persistent on
// durable reference, and background garbage collection of anything
// left unreferenced.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Resolver maps blob_ids to paths under the log directory's blob/
// subtree, and hands out fresh, monotonically increasing ids.
type Resolver struct {
	layout  *manifest.Layout
	counter atomic.Uint64 // next blob_id to hand out
}

// NewResolver creates a Resolver seeded from the persisted high-water
// mark (0 if none exists yet).
func NewResolver(layout *manifest.Layout) (*Resolver, error) {
	hwm, err := loadHighWaterMark(layout)
	if err != nil {
		return nil, err
	}
	r := &Resolver{layout: layout}
	r.counter.Store(hwm)
	return r, nil
}

// Path returns the deterministic two-level shard path for id.
func (r *Resolver) Path(id limestone.BlobID) string {
	return r.layout.BlobShardPath(id)
}

// Next allocates the next blob_id. The caller is responsible for
// eventually persisting the new high-water mark via SaveHighWaterMark
// (datastore.Recover does this after reconciling the mark; the Store
// never calls it).
func (r *Resolver) Next() limestone.BlobID {
	return r.counter.Add(1)
}

// HighWaterMark returns the current high-water mark: the larger of the
// mark loaded at creation, any value passed to AdvanceHighWaterMark,
// and the last blob_id handed out by Next.
func (r *Resolver) HighWaterMark() limestone.BlobID {
	return r.counter.Load()
}

// AdvanceHighWaterMark raises the high-water mark to at least id,
// without allocating a new id. Used by recovery to reconcile the mark
// against max_blob_id observed during a scan (spec §9's open question
// on a lost high-water-mark file: this is the reconciliation path).
func (r *Resolver) AdvanceHighWaterMark(id limestone.BlobID) {
	for {
		cur := r.counter.Load()
		if id <= cur {
			return
		}
		if r.counter.CompareAndSwap(cur, id) {
			return
		}
	}
}

func loadHighWaterMark(layout *manifest.Layout) (uint64, error) {
	data, err := os.ReadFile(layout.BlobHighWaterMarkPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("blobstore: reading high water mark: %w", err)
	}
	var v uint64
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, fmt.Errorf("blobstore: parsing high water mark: %w", err)
	}
	return v, nil
}

// SaveHighWaterMark persists the Resolver's current high-water mark so
// it survives a restart.
func (r *Resolver) SaveHighWaterMark() error {
	dir := filepath.Dir(r.layout.BlobHighWaterMarkPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating blob directory: %w", err)
	}
	tmp := r.layout.BlobHighWaterMarkPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating high water mark file: %v", ErrBlobIO, err)
	}
	if _, err := fmt.Fprintf(f, "%d", r.counter.Load()); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing high water mark: %v", ErrBlobIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing high water mark: %v", ErrBlobIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing high water mark: %v", ErrBlobIO, err)
	}
	return os.Rename(tmp, r.layout.BlobHighWaterMarkPath())
}

// writeBlobFile copies src's content to dst, fsyncing before close so a
// crash never leaves a half-written BLOB payload that Path() points at.
func writeBlobFile(dst string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: creating blob shard directory: %v", ErrBlobIO, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: creating blob file: %v", ErrBlobIO, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: writing blob file: %v", ErrBlobIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing blob file: %v", ErrBlobIO, err)
	}
	return f.Close()
}
