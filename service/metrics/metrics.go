package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner, store, statistics and cluster counters, partitioned by marketplace + chain where it applies.

var (
	// Scanner
	ScannerWindowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "scanner",
		Name:      "windows_total",
		Help:      "Total block windows yielded by scanners",
	}, []string{"marketplace", "chain"})

	ScannerLogsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "scanner",
		Name:      "logs_decoded_total",
		Help:      "Total sale logs decoded into event metadata",
	}, []string{"marketplace", "chain"})

	ScannerLogsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "scanner",
		Name:      "logs_dropped_total",
		Help:      "Total sale logs dropped as non-standard or unparsable",
	}, []string{"marketplace", "chain"})

	ScannerQueryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "scanner",
		Name:      "query_retries_total",
		Help:      "Total log query retries, by error class",
	}, []string{"marketplace", "chain", "class"})

	ScannerCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "salesindexer",
		Subsystem: "scanner",
		Name:      "checkpoint_block",
		Help:      "Last persisted checkpoint block",
	}, []string{"marketplace", "chain", "variant"})

	BlockFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "blocks",
		Name:      "fetch_failures_total",
		Help:      "Total failed block fetch attempts",
	}, []string{"chain"})

	// Sales
	SalesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "sales",
		Name:      "persisted_total",
		Help:      "Total sales written to the store",
	}, []string{"marketplace", "chain"})

	SalesUnconverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "sales",
		Name:      "unconverted_total",
		Help:      "Total sales whose price could not be converted",
	}, []string{"chain"})

	// Statistics
	StatisticsWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "statistics",
		Name:      "write_failures_total",
		Help:      "Total statistics batches abandoned after retries",
	})

	StatisticsWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "salesindexer",
		Subsystem: "statistics",
		Name:      "write_duration_seconds",
		Help:      "Duration of one collection statistics update",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Cluster
	ClusterRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "cluster",
		Name:      "respawns_total",
		Help:      "Total cluster workers respawned",
	})

	ClusterReassigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "salesindexer",
		Subsystem: "cluster",
		Name:      "reassigned_units_total",
		Help:      "Total work units reassigned from a dead worker",
	})

	ClusterUnitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salesindexer",
		Subsystem: "cluster",
		Name:      "unit_duration_seconds",
		Help:      "Duration of a work unit from dispatch to completion",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})
)
