package datastore

import (
	"os"
	"sync/atomic"
)

// Backup is a handle onto the file list a backup tool should copy,
// grounded on original_source's backup/backup_detail split: acquiring
// one increments the datastore's backup counter, which Compact checks
// so it does not remove a file backup tooling is still reading (rotation
// does not check it), and NotifyEndBackup (idempotent) releases that
// hold.
type Backup struct {
	ds       *Datastore
	files    []string
	finished atomic.Bool
}

// Files returns the snapshot of paths this Backup captured.
func (b *Backup) Files() []string {
	out := make([]string, len(b.files))
	copy(out, b.files)
	return out
}

// NotifyEndBackup releases this Backup's hold on the datastore's
// rotation/compaction-deferral counter. Safe to call more than once;
// only the first call has an effect.
func (b *Backup) NotifyEndBackup() {
	if b.finished.CompareAndSwap(false, true) {
		b.ds.backupCount.Add(-1)
	}
}

// BeginBackup snapshots the current set of manifest-owned paths (every
// channel's live pwal file, plus whichever of the compacted pair, the
// catalog and the manifest exist; rotated files are not listed) under
// the channel lock so a
// concurrent rotation cannot remove a file out from under the caller
// mid-enumeration.
func (d *Datastore) BeginBackup() *Backup {
	d.backupCount.Add(1)

	d.chMu.RLock()
	files := make([]string, 0, len(d.channels)+4)
	for _, ch := range d.channels {
		files = append(files, d.layout.PWAL(ch.ID()))
	}
	d.chMu.RUnlock()

	for _, p := range []string{
		d.layout.CompactedCurrent(),
		d.layout.CompactedPrev(),
		d.layout.CatalogPath(),
		d.layout.ManifestPath(),
	} {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}

	return &Backup{ds: d, files: files}
}
