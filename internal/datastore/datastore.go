// Package datastore composes the manifest, blobstore, logchannel,
// epoch, scan, snapshot, compaction, replication, and cursor packages
// behind the single lifecycle of spec §4.6: open a log directory,
// recover it, accept writes through per-writer channels, and serve
// consistent reads while compaction and blob GC run in the background.
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chuliyu/limestone-go/internal/blobstore"
	"github.com/chuliyu/limestone-go/internal/compaction"
	"github.com/chuliyu/limestone-go/internal/epoch"
	"github.com/chuliyu/limestone-go/internal/logchannel"
	"github.com/chuliyu/limestone-go/internal/manifest"
	"github.com/chuliyu/limestone-go/internal/replication"
	"github.com/chuliyu/limestone-go/internal/scan"
	"github.com/chuliyu/limestone-go/internal/snapshot"
	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// Config holds the boot parameters of one Datastore instance, mirroring
// the teacher's Config struct shape (a flat struct of tunables passed
// once to the constructor) generalized from worker/WAL-batch tuning to
// this engine's channel count and background-loop intervals.
type Config struct {
	// Dir is the log directory root.
	Dir string
	// ChannelCount is the number of logchannel.Channel writers to open.
	ChannelCount int
	// CompactionInterval runs the compactor on this cadence if > 0.
	// Zero disables background compaction (callers may still invoke
	// Compact directly).
	CompactionInterval time.Duration
	// CompressRetiredFiles enables gzip compression of rotated files a
	// compaction run has fully absorbed.
	CompressRetiredFiles bool
	// BlobGCInterval runs the blob garbage collector on this cadence if
	// > 0.
	BlobGCInterval time.Duration
	// ScanWorkers bounds the goroutine fan-out recovery's scan uses.
	ScanWorkers int
	// Replication is the outbound hook. A nil value defaults to
	// replication.NoopHook{}.
	Replication replication.Hook
	// Logger receives structured diagnostics; slog.Default() if nil.
	Logger *slog.Logger
}

// Datastore is the top-level façade every caller drives.
type Datastore struct {
	cfg    Config
	log    *slog.Logger
	handle *manifest.Handle
	layout *manifest.Layout

	resolver  *blobstore.Resolver
	blobs     *blobstore.Store
	tracker   *epoch.Tracker
	snap      *snapshot.Builder
	compactor *compaction.Compactor
	replica   replication.Hook

	chMu     sync.RWMutex
	channels []*logchannel.Channel

	compactMu        sync.Mutex
	hasCompactedFile bool

	backupCount atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open acquires the manifest lock for cfg.Dir, migrates or initializes
// it, and returns a Datastore in an unrecovered state. Callers must
// call Recover before accepting writes, per spec §4.6.
func Open(cfg Config) (*Datastore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = 1
	}
	if cfg.Replication == nil {
		cfg.Replication = replication.NoopHook{}
	}

	handle, err := manifest.Acquire(cfg.Dir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("datastore: acquiring manifest lock: %w", err)
	}

	layout := handle.Layout
	if _, statErr := os.Stat(layout.ManifestPath()); os.IsNotExist(statErr) {
		if _, backupErr := os.Stat(layout.ManifestBackupPath()); os.IsNotExist(backupErr) {
			if err := manifest.CreateInitial(handle); err != nil {
				handle.Release()
				return nil, fmt.Errorf("datastore: creating initial manifest: %w", err)
			}
		}
	}
	migration, err := manifest.CheckAndMigrate(handle)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("datastore: checking manifest: %w", err)
	}
	if migration.Old != migration.New {
		cfg.Logger.Info("migrated log directory", "old_version", migration.Old, "new_version", migration.New)
	}

	if err := compaction.RecoverCatalog(layout); err != nil {
		handle.Release()
		return nil, fmt.Errorf("datastore: recovering catalog: %w", err)
	}

	resolver, err := blobstore.NewResolver(layout)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("datastore: creating blob resolver: %w", err)
	}
	blobs, err := blobstore.NewStore(layout, resolver, cfg.Logger)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("datastore: creating blob store: %w", err)
	}

	ds := &Datastore{
		cfg:      cfg,
		log:      cfg.Logger,
		handle:   handle,
		layout:   layout,
		resolver: resolver,
		blobs:    blobs,
		snap:     snapshot.NewBuilder(layout),
		replica:  cfg.Replication,
		stopCh:   make(chan struct{}),
	}
	ds.tracker = epoch.New(layout, ds, cfg.Logger)
	ds.compactor = compaction.New(layout, ds, cfg.CompressRetiredFiles, cfg.Logger)

	for i := 0; i < cfg.ChannelCount; i++ {
		ch, err := logchannel.New(i, layout, cfg.Logger)
		if err != nil {
			handle.Release()
			return nil, fmt.Errorf("datastore: opening channel %d: %w", i, err)
		}
		ds.channels = append(ds.channels, ch)
	}

	if _, err := os.Stat(layout.CompactedCurrent()); err == nil {
		ds.hasCompactedFile = true
	}

	return ds, nil
}

// ChannelStates implements epoch.Source over the live channel set.
func (d *Datastore) ChannelStates() []epoch.ChannelState {
	d.chMu.RLock()
	defer d.chMu.RUnlock()
	states := make([]epoch.ChannelState, len(d.channels))
	for i, ch := range d.channels {
		states[i] = epoch.ChannelState{
			Epoch:    ch.Epoch(),
			Finished: ch.State() != logchannel.StateOpen,
		}
	}
	return states
}

// Recover runs the scan-and-sort pipeline (G) over every file this
// directory currently owns, materializes the result as a fresh
// snapshot (H), reconciles the blob high-water mark, and advances the
// epoch tracker's switched epoch past the highest epoch the scan saw
// (when it is not already past it), per §4.6.
func (d *Datastore) Recover(ctx context.Context) error {
	inputs := d.recoverableFiles()

	result, err := scan.Scan(inputs, d.lastDurableEpoch(), scan.Options{
		Workers:        d.cfg.ScanWorkers,
		Backend:        scan.NewPutOnlyBackend(),
		CollectBlobIDs: true,
	})
	if err != nil {
		return fmt.Errorf("datastore: recovery scan: %w", err)
	}

	if err := d.snap.Build(result.Entries, d.hasCompactedFile); err != nil {
		return fmt.Errorf("datastore: building recovery snapshot: %w", err)
	}

	d.resolver.AdvanceHighWaterMark(result.MaxBlobID)
	if err := d.resolver.SaveHighWaterMark(); err != nil {
		return fmt.Errorf("datastore: saving blob high water mark: %w", err)
	}
	var ids []limestone.BlobID
	for id := range result.ObservedBlobIDs {
		ids = append(ids, id)
	}
	d.blobs.AddPersistentBlobIDs(ids)

	if next := result.MaxEpochSeen + 1; result.MaxEpochSeen > 0 && next > d.tracker.Switched() {
		if err := d.tracker.SwitchEpoch(next); err != nil {
			return fmt.Errorf("datastore: advancing tracker after recovery: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// recoverableFiles lists every pwal_NNNN file (current, not rotated
// remnants from a prior crash mid-rotation) plus the existing compacted
// file, which together are what a fresh recovery scan must read.
func (d *Datastore) recoverableFiles() []string {
	d.chMu.RLock()
	defer d.chMu.RUnlock()
	files := make([]string, 0, len(d.channels)+1)
	for _, ch := range d.channels {
		files = append(files, d.layout.PWAL(ch.ID()))
	}
	if _, err := os.Stat(d.layout.CompactedCurrent()); err == nil {
		files = append(files, d.layout.CompactedCurrent())
	}
	return files
}

func (d *Datastore) lastDurableEpoch() limestone.EpochID {
	data, err := os.ReadFile(d.layout.EpochFile())
	if err != nil {
		return limestone.EpochID(1) << 63
	}
	var v uint64
	if _, err := fmt.Sscanf(string(data), "epoch=%d", &v); err != nil {
		return limestone.EpochID(1) << 63
	}
	return limestone.EpochID(v)
}

// Ready reports whether the datastore has completed at least one
// Recover call and is safe to accept writes.
func (d *Datastore) Ready() bool {
	_, err := os.Stat(d.layout.SnapshotPath())
	return err == nil
}

// SwitchEpoch advances the datastore's notion of the current epoch,
// recomputes the durable boundary, and — when a replication hook is
// configured — emits a group-commit barrier once the new boundary is
// locally durable.
func (d *Datastore) SwitchEpoch(n limestone.EpochID) error {
	if err := d.tracker.SwitchEpoch(n); err != nil {
		return err
	}
	if err := d.replica.GroupCommit(context.Background(), d.tracker.Informed()); err != nil {
		return err
	}
	return nil
}

// CreateChannel returns the Channel at index i. Channels are created
// once at Open and handed out by index rather than allocated on
// demand, matching spec §4.4's "fixed writer pool" shape.
func (d *Datastore) CreateChannel(i int) (*logchannel.Channel, error) {
	d.chMu.RLock()
	defer d.chMu.RUnlock()
	if i < 0 || i >= len(d.channels) {
		return nil, fmt.Errorf("datastore: channel index %d out of range [0,%d)", i, len(d.channels))
	}
	return d.channels[i], nil
}

// GetSnapshot returns a merging cursor over the materialized snapshot
// and any existing compacted file (spec §4.8's get_cursor).
func (d *Datastore) GetSnapshot() (snapshot.Cursor, error) {
	return snapshot.NewCursor(d.layout)
}

// AcquireBlobPool returns a fresh provisional blob registration scope
// for one in-flight transaction.
func (d *Datastore) AcquireBlobPool() *blobstore.Pool {
	return blobstore.NewPool(d.resolver)
}

// AddPersistentCallback registers a durability callback with the epoch
// tracker.
func (d *Datastore) AddPersistentCallback(cb epoch.Callback) int {
	return d.tracker.AddPersistentCallback(cb)
}

// RemovePersistentCallback deregisters a previously added callback.
func (d *Datastore) RemovePersistentCallback(token int) {
	d.tracker.RemovePersistentCallback(token)
}

// RotateAllChannels rotates every channel, satisfying
// compaction.Rotator.
func (d *Datastore) RotateAllChannels() ([]string, error) {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	rotated := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		result, err := ch.Rotate()
		if err != nil {
			return nil, fmt.Errorf("datastore: rotating channel %d: %w", ch.ID(), err)
		}
		rotated = append(rotated, result.OldPath)
	}
	return rotated, nil
}

// Compact runs one compaction cycle immediately. It is skipped while a
// Backup is in progress, since compaction retires the very rotated
// files a backup tool may still be copying.
func (d *Datastore) Compact() (*compaction.Result, error) {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	if d.backupCount.Load() > 0 {
		return nil, nil
	}
	result, err := d.compactor.Compact()
	if err != nil {
		return nil, err
	}
	d.hasCompactedFile = true
	return result, nil
}

// StartBackgroundLoops launches compaction and blob-GC ticking per
// Config, and the replication session if a non-noop Hook is
// configured. Shutdown joins every loop this starts.
func (d *Datastore) StartBackgroundLoops(ctx context.Context) error {
	if !d.replica.Absent() {
		if err := d.replica.SessionBegin(ctx); err != nil {
			return err
		}
	}

	if d.cfg.CompactionInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runCompactionLoop()
		}()
	}
	if d.cfg.BlobGCInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.blobs.RunGarbageCollector(wrapStop(d.stopCh), d.cfg.BlobGCInterval)
		}()
	}
	return nil
}

func (d *Datastore) runCompactionLoop() {
	ticker := time.NewTicker(d.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Compact(); err != nil {
				d.log.Error("background compaction failed", "error", err)
			}
		}
	}
}

// Shutdown stops every background loop this Datastore started, closes
// the replication hook, and releases the manifest lock. It does not
// cancel in-flight work; it drains and joins, per spec §5.
func (d *Datastore) Shutdown() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	var firstErr error
	if err := d.replica.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.handle.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// wrapStop adapts a close-to-cancel channel into a context.Context so
// it can be passed to components (like blobstore's GC loop) that were
// written against context.Context rather than a bare channel.
func wrapStop(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}
