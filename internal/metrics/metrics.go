// Package metrics exposes Prometheus metrics for the durability
// pipeline: WAL writes, epoch advancement, compaction, and blob
// garbage collection.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one datastore instance.
type Collector struct {
	entriesWritten  prometheus.Counter
	sessionsAborted prometheus.Counter
	rotations       prometheus.Counter

	writeLatency prometheus.Histogram
	recoveryTime prometheus.Gauge
	currentEpoch prometheus.Gauge
	durableEpoch prometheus.Gauge
	minInFlight  prometheus.Gauge

	compactionRuns    prometheus.Counter
	compactionLatency prometheus.Histogram
	filesRetired      prometheus.Counter

	blobsRegistered prometheus.Counter
	blobsSwept      prometheus.Counter
	blobsRemoved    prometheus.Counter
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		entriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_entries_written_total",
			Help: "Total number of WAL entries appended across all channels",
		}),
		sessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_sessions_aborted_total",
			Help: "Total number of log channel sessions aborted",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_channel_rotations_total",
			Help: "Total number of log channel file rotations",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limestone_write_latency_seconds",
			Help:    "Latency of a single AddEntry call",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limestone_recovery_time_seconds",
			Help: "Wall-clock time taken by the last Recover call",
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limestone_current_epoch",
			Help: "The epoch most recently switched to via SwitchEpoch",
		}),
		durableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limestone_durable_epoch",
			Help: "The epoch most recently reported durable to persistent callbacks",
		}),
		minInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limestone_min_in_flight_epoch",
			Help: "The minimum in-flight epoch across all open channels",
		}),
		compactionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_compaction_runs_total",
			Help: "Total number of compaction runs completed",
		}),
		compactionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limestone_compaction_latency_seconds",
			Help:    "Latency of a single compaction run",
			Buckets: prometheus.DefBuckets,
		}),
		filesRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_files_retired_total",
			Help: "Total number of PWAL files folded into a compacted file",
		}),
		blobsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_blobs_registered_total",
			Help: "Total number of BLOBs registered through a Pool",
		}),
		blobsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_blobs_swept_total",
			Help: "Total number of BLOB files examined by the garbage collector",
		}),
		blobsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_blobs_removed_total",
			Help: "Total number of BLOB files removed by the garbage collector",
		}),
	}

	prometheus.MustRegister(
		c.entriesWritten,
		c.sessionsAborted,
		c.rotations,
		c.writeLatency,
		c.recoveryTime,
		c.currentEpoch,
		c.durableEpoch,
		c.minInFlight,
		c.compactionRuns,
		c.compactionLatency,
		c.filesRetired,
		c.blobsRegistered,
		c.blobsSwept,
		c.blobsRemoved,
	)

	return c
}

// RecordEntryWritten records a single AddEntry call and its latency.
func (c *Collector) RecordEntryWritten(latencySeconds float64) {
	c.entriesWritten.Inc()
	c.writeLatency.Observe(latencySeconds)
}

// RecordSessionAborted records a channel session ending in AbortSession.
func (c *Collector) RecordSessionAborted() {
	c.sessionsAborted.Inc()
}

// RecordRotation records a channel file rotation.
func (c *Collector) RecordRotation() {
	c.rotations.Inc()
}

// SetRecoveryTime sets the last-Recover-call duration metric.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetEpochState publishes the current/durable/min-in-flight epoch
// gauges together, since they are always read as a triple by dashboards.
func (c *Collector) SetEpochState(current, durable, minInFlight uint64) {
	c.currentEpoch.Set(float64(current))
	c.durableEpoch.Set(float64(durable))
	c.minInFlight.Set(float64(minInFlight))
}

// RecordCompaction records one completed compaction run.
func (c *Collector) RecordCompaction(latencySeconds float64, filesRetired int) {
	c.compactionRuns.Inc()
	c.compactionLatency.Observe(latencySeconds)
	c.filesRetired.Add(float64(filesRetired))
}

// RecordBlobRegistered records one BLOB registered through a Pool.
func (c *Collector) RecordBlobRegistered() {
	c.blobsRegistered.Inc()
}

// RecordBlobGC records the outcome of one garbage collection sweep.
func (c *Collector) RecordBlobGC(swept, removed int) {
	c.blobsSwept.Add(float64(swept))
	c.blobsRemoved.Add(float64(removed))
}

// StartServer starts the Prometheus metrics HTTP server on port,
// serving /metrics in text exposition format. It blocks until the
// server stops or fails.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
