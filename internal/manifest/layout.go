// Package manifest owns a log directory: its metadata file, its
// single-writer lock, format migration, and every path builder other
// components use instead of concatenating path strings themselves
// (spec §3.3, §4.2).
package manifest

import (
	"fmt"
	"path/filepath"
)

// Layout is the single source of truth for every path under a log
// directory. Every other component (logchannel, blobstore, snapshot,
// compaction) obtains its paths through a Layout instead of building
// them ad hoc.
type Layout struct {
	Dir string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) *Layout { return &Layout{Dir: dir} }

func (l *Layout) path(elem ...string) string {
	return filepath.Join(append([]string{l.Dir}, elem...)...)
}

// ManifestPath is the primary manifest file.
func (l *Layout) ManifestPath() string { return l.path("limestone-manifest.json") }

// ManifestBackupPath is the temporary mirror used during migration.
func (l *Layout) ManifestBackupPath() string { return l.path("limestone-manifest.json.back") }

// PWAL is the current log file for channel n.
func (l *Layout) PWAL(n int) string { return l.path(fmt.Sprintf("pwal_%04d", n)) }

// Rotated is a rotated log file for channel n with the given unique suffix.
func (l *Layout) Rotated(n int, suffix string) string {
	return l.path(fmt.Sprintf("pwal_%04d.%s", n, suffix))
}

// CompactedCurrent is the latest compacted WAL.
func (l *Layout) CompactedCurrent() string { return l.path("pwal_0000.compacted") }

// CompactedPrev is the prior compacted WAL, kept for crash-safe replace.
func (l *Layout) CompactedPrev() string { return l.path("pwal_0000.compacted.prev") }

// CatalogPath is the compaction catalog.
func (l *Layout) CatalogPath() string { return l.path("compaction_catalog") }

// CatalogBackupPath is the compaction catalog's two-phase-write backup.
func (l *Layout) CatalogBackupPath() string { return l.path("compaction_catalog.back") }

// EpochFile is the durable-epoch marker file.
func (l *Layout) EpochFile() string { return l.path("epoch") }

// SnapshotDir is the directory holding the materialized snapshot.
func (l *Layout) SnapshotDir() string { return l.path("data") }

// SnapshotPath is the materialized snapshot file.
func (l *Layout) SnapshotPath() string { return l.path("data", "snapshot") }

// BlobDir is the root of the BLOB payload subtree.
func (l *Layout) BlobDir() string { return l.path("blob") }

// BlobShardPath computes the two-level shard path for a blob id: the
// low byte names the first-level directory, the next byte the second,
// matching the deterministic two-level fan-out spec §3.3/§4.3 require.
func (l *Layout) BlobShardPath(id uint64) string {
	d1 := fmt.Sprintf("%02x", byte(id))
	d2 := fmt.Sprintf("%02x", byte(id>>8))
	return l.path("blob", d1, d2, fmt.Sprintf("%d", id))
}

// BlobHighWaterMarkPath persists the blob_id high-water mark across restarts.
func (l *Layout) BlobHighWaterMarkPath() string { return l.path("blob", "high_water_mark") }

// WALHistoryPath is the append-only (epoch, uuid, timestamp) debug log.
func (l *Layout) WALHistoryPath() string { return l.path("wal_history") }

// WALHistoryTmpPath is the in-progress write target for WALHistoryPath.
func (l *Layout) WALHistoryTmpPath() string { return l.path("wal_history.tmp") }
