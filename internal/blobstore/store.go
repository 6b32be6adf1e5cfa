package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// referenceTagSize is the truncation length of the HMAC-SHA-256 tag
// spec §3.1 assigns to each durable BLOB reference.
const referenceTagSize = 8

// Store owns the set of blob_ids known to be durably referenced from a
// committed, durable entry, and runs the background sweep that removes
// anything else left under the BLOB subtree (spec §4.3).
//
// The HMAC secret is generated once, by NewStore, and held
// only in memory: it is never persisted, so reference tags are stable
// only for the lifetime of one running Store.
type Store struct {
	layout   *manifest.Layout
	resolver *Resolver
	log      *slog.Logger
	secret   [32]byte

	mu                sync.RWMutex
	persistentBlobIDs map[limestone.BlobID]struct{}
}

// NewStore creates a Store with a freshly generated HMAC secret.
func NewStore(layout *manifest.Layout, resolver *Resolver, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		layout:            layout,
		resolver:          resolver,
		log:               logger,
		persistentBlobIDs: make(map[limestone.BlobID]struct{}),
	}
	if _, err := rand.Read(s.secret[:]); err != nil {
		return nil, fmt.Errorf("%w: generating blob store secret: %v", ErrBlobCrypto, err)
	}
	return s, nil
}

// AddPersistentBlobIDs marks ids as durably referenced, exempting them
// from garbage collection.
func (s *Store) AddPersistentBlobIDs(ids []limestone.BlobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.persistentBlobIDs[id] = struct{}{}
		s.resolver.AdvanceHighWaterMark(id)
	}
}

// CheckAndRemovePersistentBlobIDs drops ids from the durable set (e.g.
// when a later entry supersedes them) and reports which of them were
// actually present beforehand.
func (s *Store) CheckAndRemovePersistentBlobIDs(ids []limestone.BlobID) []limestone.BlobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []limestone.BlobID
	for _, id := range ids {
		if _, ok := s.persistentBlobIDs[id]; ok {
			delete(s.persistentBlobIDs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// IsPersistent reports whether id is currently in the durable set.
func (s *Store) IsPersistent(id limestone.BlobID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.persistentBlobIDs[id]
	return ok
}

// GenerateReferenceTag computes the spec §3.1 HMAC-SHA-256 reference
// tag for (blobID, txID), truncated to referenceTagSize bytes and
// returned as a big-endian uint64 for compact storage alongside the
// entry's blob_ids list.
func (s *Store) GenerateReferenceTag(blobID limestone.BlobID, txID uint64) (uint64, error) {
	mac := hmac.New(sha256.New, s.secret[:])
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(blobID))
	binary.BigEndian.PutUint64(buf[8:16], txID)
	if _, err := mac.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBlobCrypto, err)
	}
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:referenceTagSize]), nil
}

// CollectGarbage walks the BLOB subtree and removes any file whose id
// is not in the durable set. It runs until ctx is cancelled or the
// walk completes, and is safe to call concurrently with registration
// (a blob registered mid-sweep but not yet durable may or may not
// survive this pass; the next sweep is authoritative).
func (s *Store) CollectGarbage(ctx context.Context) (swept int, removed int, err error) {
	root := s.layout.BlobDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("%w: reading blob directory: %v", ErrBlobIO, err)
	}

	for _, d1 := range entries {
		if !d1.IsDir() {
			continue
		}
		shard1 := filepath.Join(root, d1.Name())
		inner, err := os.ReadDir(shard1)
		if err != nil {
			return swept, removed, fmt.Errorf("%w: reading blob shard: %v", ErrBlobIO, err)
		}
		for _, d2 := range inner {
			select {
			case <-ctx.Done():
				return swept, removed, ctx.Err()
			default:
			}
			if !d2.IsDir() {
				continue
			}
			shard2 := filepath.Join(shard1, d2.Name())
			files, err := os.ReadDir(shard2)
			if err != nil {
				return swept, removed, fmt.Errorf("%w: reading blob shard: %v", ErrBlobIO, err)
			}
			for _, f := range files {
				swept++
				id, ok := parseBlobFileName(f.Name())
				if !ok {
					continue
				}
				if s.IsPersistent(id) {
					continue
				}
				if err := os.Remove(filepath.Join(shard2, f.Name())); err != nil && !os.IsNotExist(err) {
					return swept, removed, fmt.Errorf("%w: removing garbage blob: %v", ErrBlobIO, err)
				}
				removed++
			}
		}
	}
	s.log.Info("blob garbage collection swept store", "swept", swept, "removed", removed)
	return swept, removed, nil
}

// RunGarbageCollector runs CollectGarbage once per interval until ctx
// is cancelled, logging failures instead of aborting the loop (a
// failed sweep should not take down the datastore).
func (s *Store) RunGarbageCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("blob garbage collection sweep failed", "error", err)
			}
		}
	}
}

func parseBlobFileName(name string) (limestone.BlobID, bool) {
	var id uint64
	n, err := fmt.Sscanf(name, "%d", &id)
	if err != nil || n != 1 {
		return 0, false
	}
	return limestone.BlobID(id), true
}
