package scan

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ErrKeyOrderViolation is the error a Backend returns when an incoming
// entry violates its ordering invariant; Scan's OnKeyOrderViolation
// policy applies to it. Neither backend in this package returns it:
// both resolve same-key entries by keeping the highest write_version.
var ErrKeyOrderViolation = errors.New("scan: key order violation")

// PutOnlyBackend implements the PUT-ONLY merge policy of spec §4.7:
// every insert is appended, never compared or mutated in place, so it
// is safe to feed from multiple concurrent producers. The final sort
// groups by key_sid and, within a group, orders by write_version
// descending; Entries returns only the first (highest write_version)
// member of each group.
type PutOnlyBackend struct {
	mu      sync.Mutex
	entries []*limestone.Entry
}

// NewPutOnlyBackend creates an empty PutOnlyBackend.
func NewPutOnlyBackend() *PutOnlyBackend {
	return &PutOnlyBackend{}
}

// Insert appends e without comparison; PUT-ONLY never rejects an
// insert.
func (b *PutOnlyBackend) Insert(e *limestone.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return nil
}

// Entries sorts by (key_sid, write_version descending) and returns the
// first entry of each key_sid group.
func (b *PutOnlyBackend) Entries() []*limestone.Entry {
	b.mu.Lock()
	all := make([]*limestone.Entry, len(b.entries))
	copy(all, b.entries)
	b.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		ci := limestone.KeySID(all[i])
		cj := limestone.KeySID(all[j])
		if cmp := bytes.Compare(ci, cj); cmp != 0 {
			return cmp < 0
		}
		return all[j].WriteVersion.Less(all[i].WriteVersion)
	})

	out := make([]*limestone.Entry, 0, len(all))
	var lastKey []byte
	for _, e := range all {
		k := limestone.KeySID(e)
		if lastKey != nil && bytes.Equal(k, lastKey) {
			continue
		}
		out = append(out, e)
		lastKey = k
	}
	return out
}

// UpdateToMaxBackend implements the UPDATE-TO-MAX merge policy: one
// map slot per (storage_id, key), updated in place to keep only the
// maximum write_version seen. Insertion must be single-threaded, so
// Scan always drives this backend from a single results-folding
// goroutine rather than the scan workers directly.
type UpdateToMaxBackend struct {
	byKey map[string]*limestone.Entry
	order []string
}

// NewUpdateToMaxBackend creates an empty UpdateToMaxBackend.
func NewUpdateToMaxBackend() *UpdateToMaxBackend {
	return &UpdateToMaxBackend{byKey: make(map[string]*limestone.Entry)}
}

// Insert compares e's write_version against any existing entry for the
// same key_sid and keeps the greater one.
func (b *UpdateToMaxBackend) Insert(e *limestone.Entry) error {
	k := string(limestone.KeySID(e))
	existing, ok := b.byKey[k]
	if !ok {
		b.byKey[k] = e
		b.order = append(b.order, k)
		return nil
	}
	if e.WriteVersion.Less(existing.WriteVersion) {
		// An older version arriving after a newer one is expected
		// during recovery replay (files are not globally ordered), so
		// this is not itself a corruption signal; simply keep the max.
		return nil
	}
	b.byKey[k] = e
	return nil
}

// Entries returns the surviving entries in ascending key_sid order.
func (b *UpdateToMaxBackend) Entries() []*limestone.Entry {
	keys := make([]string, len(b.order))
	copy(keys, b.order)
	sort.Strings(keys)

	out := make([]*limestone.Entry, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, b.byKey[k])
	}
	return out
}

// clearStorageMap is the mutex-protected clear_storage_map of spec
// §4.7 phase 2: storage_id -> the highest write_version at which that
// storage was cleared or removed.
type clearStorageMap struct {
	mu sync.Mutex
	m  map[limestone.StorageID]limestone.WriteVersion
}

func newClearStorageMap() *clearStorageMap {
	return &clearStorageMap{m: make(map[limestone.StorageID]limestone.WriteVersion)}
}

func (c *clearStorageMap) update(sid limestone.StorageID, wv limestone.WriteVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.m[sid]; !ok || existing.Less(wv) {
		c.m[sid] = wv
	}
}

func (c *clearStorageMap) get(sid limestone.StorageID) (limestone.WriteVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wv, ok := c.m[sid]
	return wv, ok
}

// partitionFiles splits paths into at most n roughly-equal, order
// preserving partitions for the worker fan-out.
func partitionFiles(paths []string, n int) [][]string {
	if n > len(paths) {
		n = len(paths)
	}
	if n <= 0 {
		return nil
	}
	parts := make([][]string, n)
	for i, p := range paths {
		parts[i%n] = append(parts[i%n], p)
	}
	return parts
}
