package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/chuliyu/limestone-go/internal/walio"
)

// CurrentPersistentFormatVersion is the newest format_version this build
// understands and will migrate older directories up to.
const CurrentPersistentFormatVersion = 4

// CurrentFormatVersion is the string stored alongside
// CurrentPersistentFormatVersion (spec §6.1's "format_version" field).
const CurrentFormatVersion = "1.4"

// manifestFile is the on-disk JSON schema of spec §6.1. InstanceUUID is
// omitted for format_version "1.0", matching the original.
type manifestFile struct {
	FormatVersion           string `json:"format_version"`
	PersistentFormatVersion int    `json:"persistent_format_version"`
	InstanceUUID            string `json:"instance_uuid,omitempty"`
}

// MigrationInfo records the (old, new) persistent format version pair a
// CheckAndMigrate call applied, so the datastore can log it.
type MigrationInfo struct {
	Old int
	New int
}

// emptyCatalogContents is what CreateInitial writes for a brand-new
// compaction catalog: no compacted files yet, max epoch 0. The text
// grammar (header/footer/MAX_EPOCH_ID) is owned by internal/compaction;
// it's duplicated here only as this one literal so manifest doesn't need
// to import compaction (which itself imports manifest, so importing it
// here would be a Go import cycle).
const emptyCatalogContents = "COMPACTION_CATALOG_HEADER\nMAX_EPOCH_ID 0\nCOMPACTION_CATALOG_FOOTER\n"

// Handle is a held exclusive lock on a log directory's manifest, plus
// its Layout. Only one process at a time can hold a Handle on a given
// directory (spec §3.4's single-writer invariant).
type Handle struct {
	Layout   *Layout
	InstanceUUID string
	lock     *flockHandle
	log      *slog.Logger
}

// Acquire opens an advisory exclusive OS-level lock on dir's manifest
// lock file. It fails with an AlreadyInUseError if the lock is held by
// another process.
func Acquire(dir string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	layout := NewLayout(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: creating log directory: %w", err)
	}

	lock, err := newFlockHandle(layout.ManifestPath() + ".lock")
	if err != nil {
		return nil, fmt.Errorf("manifest: opening lock file: %w", err)
	}

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("manifest: acquiring lock: %w", err)
	}
	if !locked {
		logger.Warn("manifest lock held by another process", "path", layout.ManifestPath())
		return nil, &AlreadyInUseError{Path: layout.ManifestPath()}
	}

	return &Handle{Layout: layout, lock: lock, log: logger}, nil
}

// Release releases the manifest lock. Idempotent.
func (h *Handle) Release() error {
	if h.lock == nil {
		return nil
	}
	return h.lock.Unlock()
}

// CreateInitial writes the current-format manifest for a brand-new log
// directory and ensures the compaction catalog exists (empty).
func CreateInitial(h *Handle) error {
	id := uuid.New().String()
	mf := manifestFile{
		FormatVersion:           CurrentFormatVersion,
		PersistentFormatVersion: CurrentPersistentFormatVersion,
		InstanceUUID:            id,
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding initial manifest: %w", err)
	}
	if err := walio.SafeWrite(h.Layout.ManifestPath(), data, 0o644); err != nil {
		return fmt.Errorf("manifest: writing initial manifest: %w", err)
	}

	for _, dir := range []string{h.Layout.SnapshotDir(), h.Layout.BlobDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("manifest: creating %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(h.Layout.CatalogPath()); errors.Is(err, os.ErrNotExist) {
		if err := walio.SafeWrite(h.Layout.CatalogPath(), []byte(emptyCatalogContents), 0o644); err != nil {
			return fmt.Errorf("manifest: writing initial catalog: %w", err)
		}
	}

	h.InstanceUUID = id
	return nil
}

// CheckAndMigrate runs the five-step startup algorithm of spec §4.2:
//  1. both main and backup manifests missing -> VersionMismatch(0, ...)
//  2. main missing, backup present -> rename backup to main
//  3. parse main, validate version <= supported
//  4. if strictly less than current supported, migrate in place using
//     write-backup-then-replace-main-then-remove-backup ordering
//  5. return the (old, new) migration applied, if any
func CheckAndMigrate(h *Handle) (*MigrationInfo, error) {
	mainPath := h.Layout.ManifestPath()
	backupPath := h.Layout.ManifestBackupPath()

	_, mainErr := os.Stat(mainPath)
	_, backupErr := os.Stat(backupPath)
	mainMissing := errors.Is(mainErr, os.ErrNotExist)
	backupMissing := errors.Is(backupErr, os.ErrNotExist)

	if mainMissing && backupMissing {
		return nil, &VersionMismatchError{Actual: 0, Supported: CurrentPersistentFormatVersion}
	}

	if mainMissing && !backupMissing {
		if err := os.Rename(backupPath, mainPath); err != nil {
			return nil, fmt.Errorf("manifest: promoting backup manifest: %w", err)
		}
		if err := walio.FsyncDir(h.Layout.Dir); err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(mainPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("manifest: parsing manifest: %w", err)
	}

	if mf.PersistentFormatVersion > CurrentPersistentFormatVersion {
		return nil, &VersionMismatchError{Actual: mf.PersistentFormatVersion, Supported: CurrentPersistentFormatVersion}
	}

	h.InstanceUUID = mf.InstanceUUID

	info := &MigrationInfo{Old: mf.PersistentFormatVersion, New: mf.PersistentFormatVersion}
	if mf.PersistentFormatVersion < CurrentPersistentFormatVersion {
		newMF := manifestFile{
			FormatVersion:           CurrentFormatVersion,
			PersistentFormatVersion: CurrentPersistentFormatVersion,
			InstanceUUID:            mf.InstanceUUID,
		}
		data, err := json.MarshalIndent(newMF, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("manifest: encoding migrated manifest: %w", err)
		}

		// write-backup-then-replace ordering: backup first, then
		// replace main, then remove the backup.
		if err := walio.SafeWrite(backupPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("manifest: writing migration backup: %w", err)
		}
		if err := walio.SafeWrite(mainPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("manifest: writing migrated manifest: %w", err)
		}
		if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest: removing migration backup: %w", err)
		}

		h.log.Info("migrated log directory manifest",
			"old_version", info.Old, "new_version", CurrentPersistentFormatVersion)
		info.New = CurrentPersistentFormatVersion
	}

	return info, nil
}
