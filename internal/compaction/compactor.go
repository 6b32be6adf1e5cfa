package compaction

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chuliyu/limestone-go/internal/codec"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/internal/scan"
	"github.com/chuliyu/limestone-go/internal/walio"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Rotator is implemented by the datastore: the compactor asks it to
// rotate every channel before compacting, so the rotated set of files
// becomes the compaction's input (spec §4.9 "rotation cooperation").
type Rotator interface {
	RotateAllChannels() ([]string, error)
}

// Compactor produces a fresh pwal_0000.compacted from a Rotator's
// rotated files plus any existing compacted file, using the sort core
// (internal/scan) with the PUT-ONLY backend and GC enabled.
type Compactor struct {
	layout      *manifest.Layout
	rotator     Rotator
	log         *slog.Logger
	compressOld bool
}

// New creates a Compactor. compressOld enables gzip compression of
// retired rotated files after a successful compaction run.
func New(layout *manifest.Layout, rotator Rotator, compressOld bool, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{layout: layout, rotator: rotator, log: logger, compressOld: compressOld}
}

// Result summarizes one Compact run.
type Result struct {
	CompactedFile string
	InputFiles    []string
	MaxEpochSeen  limestone.EpochID
	MaxBlobID     limestone.BlobID
}

// Compact runs one full compaction cycle: rotate every channel, scan
// the rotated files plus the prior compacted file, write a new
// compacted file, and atomically replace the catalog.
func (c *Compactor) Compact() (*Result, error) {
	rotated, err := c.rotator.RotateAllChannels()
	if err != nil {
		return nil, fmt.Errorf("compaction: rotating channels: %w", err)
	}

	inputs := append([]string(nil), rotated...)
	if _, err := os.Stat(c.layout.CompactedCurrent()); err == nil {
		inputs = append(inputs, c.layout.CompactedCurrent())
	}

	// Rotated files only ever contain closed sessions (Rotate refuses
	// mid-session), so there is no crash-truncated tail to bound by a
	// durable-epoch ceiling; pass an epoch ceiling (1<<63) above any
	// real epoch so every closed session is kept.
	result, err := scan.Scan(inputs, limestone.EpochID(1<<63), scan.Options{
		Backend:        scan.NewPutOnlyBackend(),
		CollectBlobIDs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("compaction: scanning inputs: %w", err)
	}

	if err := c.writeCompactedFile(result.Entries); err != nil {
		return nil, err
	}

	if err := c.replaceCatalog(rotated, result.MaxEpochSeen); err != nil {
		return nil, err
	}

	if c.compressOld {
		for _, path := range rotated {
			if err := compressAndRemove(path); err != nil {
				c.log.Warn("failed compressing retired WAL file", "path", path, "error", err)
			}
		}
	}

	return &Result{
		CompactedFile: c.layout.CompactedCurrent(),
		InputFiles:    rotated,
		MaxEpochSeen:  result.MaxEpochSeen,
		MaxBlobID:     result.MaxBlobID,
	}, nil
}

func (c *Compactor) writeCompactedFile(entries []*limestone.Entry) error {
	tmp := c.layout.CompactedCurrent() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("compaction: creating compacted file: %w", err)
	}
	for _, e := range entries {
		if err := writeCompactedEntry(f, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("compaction: writing compacted entry: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("compaction: syncing compacted file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compaction: closing compacted file: %w", err)
	}

	// pwal_0000.compacted.prev keeps the prior generation around so a
	// crash mid-rename still leaves a usable compacted file.
	if _, err := os.Stat(c.layout.CompactedCurrent()); err == nil {
		os.Rename(c.layout.CompactedCurrent(), c.layout.CompactedPrev())
	}
	if err := os.Rename(tmp, c.layout.CompactedCurrent()); err != nil {
		return fmt.Errorf("compaction: renaming compacted file: %w", err)
	}
	return walio.FsyncDir(c.layout.Dir)
}

func writeCompactedEntry(w io.Writer, e *limestone.Entry) error {
	switch e.Kind {
	case limestone.KindNormal:
		return codec.WriteNormal(w, e.Storage, e.Key, e.Value, e.WriteVersion)
	case limestone.KindNormalWithBlob:
		return codec.WriteNormalWithBlob(w, e.Storage, e.Key, e.Value, e.WriteVersion, e.BlobIDs)
	default:
		return fmt.Errorf("compaction: cannot persist entry of kind %s into compacted file", e.Kind)
	}
}

// replaceCatalog performs the two-phase write of spec §4.9: write
// <catalog>.back, fsync, rename over <catalog>, fsync the directory,
// remove the backup.
func (c *Compactor) replaceCatalog(migratedPWALs []string, maxEpoch limestone.EpochID) error {
	existing, err := readCatalog(c.layout.CatalogPath())
	if err != nil && err != ErrMissingFooter {
		return fmt.Errorf("compaction: reading current catalog: %w", err)
	}

	cat := &Catalog{MaxEpochID: maxEpoch}
	if existing != nil {
		cat.CompactedFiles = append(cat.CompactedFiles, existing.CompactedFiles...)
	}
	cat.CompactedFiles = append(cat.CompactedFiles, CompactedFile{
		Name:    filepath.Base(c.layout.CompactedCurrent()),
		Version: nextVersion(existing),
	})
	names := make(map[string]struct{})
	for _, p := range migratedPWALs {
		names[filepath.Base(p)] = struct{}{}
	}
	if existing != nil {
		for _, m := range existing.MigratedPWALs {
			names[m] = struct{}{}
		}
	}
	for name := range names {
		cat.MigratedPWALs = append(cat.MigratedPWALs, name)
	}

	data := cat.Render()
	if err := walio.SafeWrite(c.layout.CatalogBackupPath(), data, 0o644); err != nil {
		return fmt.Errorf("compaction: writing catalog backup: %w", err)
	}
	if err := os.Rename(c.layout.CatalogBackupPath(), c.layout.CatalogPath()); err != nil {
		return fmt.Errorf("compaction: replacing catalog: %w", err)
	}
	if err := walio.FsyncDir(c.layout.Dir); err != nil {
		return err
	}
	// The backup was consumed by the rename above; nothing further to
	// remove unless a stale one from a prior failed attempt remains.
	os.Remove(c.layout.CatalogBackupPath())
	return nil
}

func nextVersion(existing *Catalog) int {
	if existing == nil {
		return 1
	}
	max := 0
	for _, f := range existing.CompactedFiles {
		if f.Version > max {
			max = f.Version
		}
	}
	return max + 1
}

// RecoverCatalog implements the recovery-time promotion rule of spec
// §4.9: if the catalog is missing but its backup exists, the backup is
// promoted.
func RecoverCatalog(layout *manifest.Layout) error {
	_, mainErr := os.Stat(layout.CatalogPath())
	if mainErr == nil {
		return nil
	}
	if _, err := os.Stat(layout.CatalogBackupPath()); err != nil {
		return nil
	}
	if err := os.Rename(layout.CatalogBackupPath(), layout.CatalogPath()); err != nil {
		return fmt.Errorf("compaction: promoting catalog backup: %w", err)
	}
	return walio.FsyncDir(layout.Dir)
}

func compressAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
