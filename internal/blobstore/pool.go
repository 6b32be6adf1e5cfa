package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Pool is the provisional registration scope for BLOBs belonging to a
// single in-flight transaction (spec §4.3's blob_pool). A blob_id
// registered here is not durable until the transaction's commit entry
// references it and the entry itself reaches a durable epoch; anything
// left in a Pool at Release time that was never persisted is eligible
// for garbage collection.
type Pool struct {
	resolver *Resolver

	mu       sync.Mutex
	released bool
	ids      []limestone.BlobID
}

// NewPool creates a Pool bound to a Resolver for blob_id allocation and
// path resolution.
func NewPool(resolver *Resolver) *Pool {
	return &Pool{resolver: resolver}
}

// RegisterFile copies src into the BLOB store under a freshly allocated
// id. If isTemp is true, src is removed after a successful copy (the
// caller's scratch file is consumed); otherwise src is left untouched.
func (p *Pool) RegisterFile(src string, isTemp bool) (limestone.BlobID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return 0, ErrPoolReleased
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: opening source file: %v", ErrBlobIO, err)
	}
	defer f.Close()

	id := p.resolver.Next()
	if err := writeBlobFile(p.resolver.Path(id), f); err != nil {
		return 0, err
	}
	if isTemp {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: removing source file: %v", ErrBlobIO, err)
		}
	}

	p.ids = append(p.ids, id)
	return id, nil
}

// RegisterData writes data as a new BLOB under a freshly allocated id.
func (p *Pool) RegisterData(data []byte) (limestone.BlobID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return 0, ErrPoolReleased
	}

	id := p.resolver.Next()
	f, err := os.Create(p.resolver.Path(id))
	if err != nil {
		if mkErr := ensureDir(p.resolver.Path(id)); mkErr == nil {
			f, err = os.Create(p.resolver.Path(id))
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%w: creating blob file: %v", ErrBlobIO, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("%w: writing blob data: %v", ErrBlobIO, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("%w: syncing blob data: %v", ErrBlobIO, err)
	}

	p.ids = append(p.ids, id)
	return id, nil
}

// Duplicate registers a reference to an already-existing blob id under
// a new id by hard-linking its file, matching the teacher pattern of
// cheap aliasing instead of a full data copy where the filesystem
// supports it, falling back to a copy when linking fails.
func (p *Pool) Duplicate(id limestone.BlobID) (limestone.BlobID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return 0, ErrPoolReleased
	}

	newID := p.resolver.Next()
	src := p.resolver.Path(id)
	dst := p.resolver.Path(newID)
	if err := ensureDir(dst); err != nil {
		return 0, fmt.Errorf("%w: creating blob shard directory: %v", ErrBlobIO, err)
	}
	if err := os.Link(src, dst); err != nil {
		f, openErr := os.Open(src)
		if openErr != nil {
			return 0, fmt.Errorf("%w: opening source blob for duplicate: %v", ErrBlobIO, openErr)
		}
		defer f.Close()
		if err := writeBlobFile(dst, f); err != nil {
			return 0, err
		}
	}

	p.ids = append(p.ids, newID)
	return newID, nil
}

// Ids returns the blob ids registered through this Pool so far.
func (p *Pool) Ids() []limestone.BlobID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]limestone.BlobID, len(p.ids))
	copy(out, p.ids)
	return out
}

// Release marks the Pool as no longer accepting registrations. It is
// idempotent: releasing an already-released Pool is a no-op.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
