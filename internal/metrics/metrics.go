// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine.
type Metrics struct {
	// Disk manager metrics
	DiskPageReadsTotal  prometheus.Counter
	DiskPageWritesTotal prometheus.Counter
	DiskFlushesTotal    prometheus.Counter

	// Buffer pool metrics
	BufferHitsTotal      prometheus.Counter
	BufferMissesTotal    prometheus.Counter
	BufferEvictionsTotal prometheus.Counter
	BufferPinnedFrames   prometheus.Gauge

	// B+ tree metrics
	BtreeSearchesTotal prometheus.Counter
	BtreeInsertsTotal  prometheus.Counter
	BtreeSplitsTotal   prometheus.Counter
	BtreeScanYielded   prometheus.Counter

	// WAL metrics
	WalAppendsTotal    *prometheus.CounterVec
	WalFlushesTotal    prometheus.Counter
	WalRotationsTotal  prometheus.Counter
	WalFlushedLSN      prometheus.Gauge
	WalAppendDuration  prometheus.Histogram

	// Transaction metrics
	TxnBeginsTotal  prometheus.Counter
	TxnCommitsTotal prometheus.Counter
	TxnAbortsTotal  prometheus.Counter
	TxnActive       prometheus.Gauge

	// Recovery metrics
	RecoveryRunsTotal      prometheus.Counter
	RecoveryRedoApplied    prometheus.Counter
	RecoveryUndoApplied    prometheus.Counter
	RecoveryLastDurationMs prometheus.Gauge

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics using a private
// registry, so multiple engines in the same process (e.g. tests) don't
// collide on metric names.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.WrapRegistererWithPrefix("treekv_", prometheus.NewRegistry()))
}

// NewDefaultMetrics registers against the default global registry, for the
// process entrypoint that serves /metrics.
func NewDefaultMetrics() *Metrics {
	return newMetrics(prometheus.WrapRegistererWithPrefix("treekv_", prometheus.DefaultRegisterer))
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{ServerStartTime: time.Now()}

	m.DiskPageReadsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "disk_page_reads_total",
		Help: "Total number of pages read from disk.",
	})
	m.DiskPageWritesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "disk_page_writes_total",
		Help: "Total number of pages written to disk.",
	})
	m.DiskFlushesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "disk_flushes_total",
		Help: "Total number of fsync calls on the database file.",
	})

	m.BufferHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "buffer_hits_total",
		Help: "Total number of buffer pool fetch cache hits.",
	})
	m.BufferMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "buffer_misses_total",
		Help: "Total number of buffer pool fetch cache misses.",
	})
	m.BufferEvictionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "buffer_evictions_total",
		Help: "Total number of buffer pool frame evictions.",
	})
	m.BufferPinnedFrames = factory.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_pinned_frames",
		Help: "Current number of pinned buffer pool frames.",
	})

	m.BtreeSearchesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "btree_searches_total",
		Help: "Total number of B+ tree point searches.",
	})
	m.BtreeInsertsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "btree_inserts_total",
		Help: "Total number of B+ tree inserts.",
	})
	m.BtreeSplitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "btree_splits_total",
		Help: "Total number of leaf/internal node splits.",
	})
	m.BtreeScanYielded = factory.NewCounter(prometheus.CounterOpts{
		Name: "btree_scan_entries_total",
		Help: "Total number of (key, value) entries yielded by range scans.",
	})

	m.WalAppendsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wal_appends_total",
		Help: "Total number of WAL record appends, by record kind.",
	}, []string{"kind"})
	m.WalFlushesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "wal_flushes_total",
		Help: "Total number of forced WAL flushes.",
	})
	m.WalRotationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "wal_segment_rotations_total",
		Help: "Total number of WAL segment rotations.",
	})
	m.WalFlushedLSN = factory.NewGauge(prometheus.GaugeOpts{
		Name: "wal_flushed_lsn",
		Help: "Highest LSN guaranteed durable on stable storage.",
	})
	m.WalAppendDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "wal_append_duration_seconds",
		Help:    "Duration of WAL append calls.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	m.TxnBeginsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "txn_begins_total",
		Help: "Total number of transactions begun.",
	})
	m.TxnCommitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "txn_commits_total",
		Help: "Total number of transactions committed.",
	})
	m.TxnAbortsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "txn_aborts_total",
		Help: "Total number of transactions aborted.",
	})
	m.TxnActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "txn_active",
		Help: "Current number of running transactions.",
	})

	m.RecoveryRunsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "recovery_runs_total",
		Help: "Total number of times recovery has run at startup.",
	})
	m.RecoveryRedoApplied = factory.NewCounter(prometheus.CounterOpts{
		Name: "recovery_redo_applied_total",
		Help: "Total number of committed log records re-applied during Redo.",
	})
	m.RecoveryUndoApplied = factory.NewCounter(prometheus.CounterOpts{
		Name: "recovery_undo_applied_total",
		Help: "Total number of compensation log records (CLRs) written during Undo.",
	})
	m.RecoveryLastDurationMs = factory.NewGauge(prometheus.GaugeOpts{
		Name: "recovery_last_duration_ms",
		Help: "Wall-clock duration of the most recent recovery run, in milliseconds.",
	})

	m.ServerUptimeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Process uptime in seconds.",
	})

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the uptime gauge.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}
