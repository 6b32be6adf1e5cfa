// Package scan implements the WAL scan-and-sort pipeline of spec
// §4.7: partitioning a set of log files across worker goroutines,
// sorting surviving entries under one of two merge back ends, and
// emitting the key-ordered result a snapshot build or compaction run
// consumes.
package scan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ErrDirectoryCorruption is returned when any input file is unreadable
// or contains a structurally invalid record.
var ErrDirectoryCorruption = errors.New("scan: directory corruption detected")

// KeyOrderPolicy controls what Scan does when it observes an entry
// whose write_version predates one already accepted for the same key,
// under a back end where that should not happen.
type KeyOrderPolicy int

const (
	// OnKeyOrderViolationAbort fails the scan with ErrDirectoryCorruption.
	OnKeyOrderViolationAbort KeyOrderPolicy = iota
	// OnKeyOrderViolationSkip silently keeps the higher write_version and
	// continues.
	OnKeyOrderViolationSkip
)

// Options configures a Scan run.
type Options struct {
	// Workers is the number of goroutines partitioning the file list.
	// Defaults to 1 if <= 0.
	Workers int
	// Backend selects PUT-ONLY or UPDATE-TO-MAX merge semantics.
	Backend Backend
	// OnKeyOrderViolation selects abort-vs-skip behavior (default Abort).
	OnKeyOrderViolation KeyOrderPolicy
	// CollectBlobIDs, when true, tracks every blob_id observed on a
	// normal_with_blob entry for GC-context feeding (spec §4.7 phase 2).
	CollectBlobIDs bool
}

// Result is the output of a Scan: the surviving, sorted entries plus
// bookkeeping the caller (snapshot builder, compactor) needs.
type Result struct {
	Entries        []*limestone.Entry
	MaxBlobID      limestone.BlobID
	MaxEpochSeen   limestone.EpochID
	ObservedBlobIDs map[limestone.BlobID]struct{}
}

// Backend is the pluggable merge policy of spec §4.7 phase 3.
type Backend interface {
	// Insert adds or reconciles an entry under the backend's key.
	Insert(e *limestone.Entry) error
	// Entries returns the surviving entries in key order (ascending
	// storage_id, then key), one per key.
	Entries() []*limestone.Entry
}

// Scan reads every file in paths, determines which sessions survive
// against the durable epoch boundary ldEpoch, and returns the merged,
// sorted surviving entries.
func Scan(paths []string, ldEpoch limestone.EpochID, opts Options) (*Result, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	partitions := partitionFiles(paths, workers)
	perWorker := make([][]*limestone.Entry, len(partitions))
	clearStorage := newClearStorageMap()
	errs := make([]error, len(partitions))

	var wg sync.WaitGroup
	for i, part := range partitions {
		wg.Add(1)
		go func(i int, files []string) {
			defer wg.Done()
			entries, err := scanFiles(files, ldEpoch, clearStorage)
			if err != nil {
				errs[i] = err
				return
			}
			perWorker[i] = entries
		}(i, part)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend = NewPutOnlyBackend()
	}

	var maxEpochSeen limestone.EpochID
	observedBlobs := make(map[limestone.BlobID]struct{})
	for _, entries := range perWorker {
		for _, e := range entries {
			// Data records carry no Epoch once read back from a file;
			// their write_version major is the epoch they were written in.
			if e.WriteVersion.Major > maxEpochSeen {
				maxEpochSeen = e.WriteVersion.Major
			}
			if e.Kind == limestone.KindNormalWithBlob && opts.CollectBlobIDs {
				for _, id := range e.BlobIDs {
					observedBlobs[id] = struct{}{}
				}
			}
			if err := backend.Insert(e); err != nil {
				if opts.OnKeyOrderViolation == OnKeyOrderViolationSkip && errors.Is(err, ErrKeyOrderViolation) {
					continue
				}
				return nil, fmt.Errorf("%w: %v", ErrDirectoryCorruption, err)
			}
		}
	}

	result := &Result{MaxEpochSeen: maxEpochSeen, ObservedBlobIDs: observedBlobs}
	result.Entries, result.MaxBlobID = applyClearStorageAndTrackBlobs(backend.Entries(), clearStorage)
	return result, nil
}

// applyClearStorageAndTrackBlobs is the output pass of spec §4.7 phase
// 4: drop entries whose write_version predates their storage's clear
// threshold, and track the highest blob_id referenced by a surviving
// normal_with_blob entry.
func applyClearStorageAndTrackBlobs(entries []*limestone.Entry, clearStorage *clearStorageMap) ([]*limestone.Entry, limestone.BlobID) {
	out := make([]*limestone.Entry, 0, len(entries))
	var maxBlobID limestone.BlobID
	for _, e := range entries {
		if threshold, ok := clearStorage.get(e.Storage); ok && e.WriteVersion.Less(threshold) {
			continue
		}
		if e.Kind == limestone.KindNormalWithBlob {
			for _, id := range e.BlobIDs {
				if id > maxBlobID {
					maxBlobID = id
				}
			}
		}
		out = append(out, e)
	}
	return out, maxBlobID
}

// scanFiles reads the records of files in order, applying the
// durable-epoch session-truncation rule of spec §4.7 phase 1, and
// folds clear_storage/remove_storage records into shared.
func scanFiles(files []string, ldEpoch limestone.EpochID, shared *clearStorageMap) ([]*limestone.Entry, error) {
	var out []*limestone.Entry
	for _, path := range files {
		entries, err := scanOneFile(path, ldEpoch, shared)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func scanOneFile(path string, ldEpoch limestone.EpochID, shared *clearStorageMap) ([]*limestone.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrDirectoryCorruption, path, err)
	}
	defer f.Close()

	var (
		out           []*limestone.Entry
		sessionBuffer []*limestone.Entry
		sessionOpen   bool
		sessionEpoch  limestone.EpochID
	)

	flushSession := func(closed bool) {
		if closed {
			out = append(out, sessionBuffer...)
		}
		sessionBuffer = nil
		sessionOpen = false
	}

	for {
		entry, err := codec.Read(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: reading %s: %v", ErrDirectoryCorruption, path, err)
		}
		if entry == nil {
			break
		}

		switch entry.Kind {
		case limestone.KindBegin:
			sessionOpen = true
			sessionBuffer = nil
			sessionEpoch = entry.Epoch
		case limestone.KindInvalidatedBegin:
			// Discard everything buffered for this session; it never
			// reaches marker_end.
			flushSession(false)
		case limestone.KindEnd:
			flushSession(true)
		case limestone.KindDurable:
			// advisory only
		case limestone.KindClearStorage, limestone.KindRemoveStorage:
			shared.update(entry.Storage, entry.WriteVersion)
		case limestone.KindAddStorage:
			// ignored for recovery per spec §4.7 phase 2
		default:
			if sessionOpen {
				sessionBuffer = append(sessionBuffer, entry)
			} else {
				out = append(out, entry)
			}
		}
	}

	// A session still open at EOF (no marker_end) survives only if its
	// epoch is at or below ldEpoch; crash-truncated tails above ldEpoch
	// are discarded, matching the durable-epoch boundary rule. The
	// session's epoch comes from its marker_begin, not from the
	// buffered data records: those carry a write_version, not an Epoch
	// (pkg/limestone.Entry.Epoch is markers-only).
	if sessionOpen && len(sessionBuffer) > 0 && sessionEpoch <= ldEpoch {
		out = append(out, sessionBuffer...)
	}

	return out, nil
}
