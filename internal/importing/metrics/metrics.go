package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchRunsTotal tracks finished batch runs per namespace and final status
	BatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_batch_runs_total",
			Help: "Total number of batch runs by final status",
		},
		[]string{"namespace", "status"},
	)

	// BatchResumesTotal tracks runs that continued from a stored checkpoint
	BatchResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_batch_resumes_total",
			Help: "Total number of batch runs resumed from a checkpoint",
		},
		[]string{"namespace"},
	)

	// ItemsProcessed tracks item outcomes (succeeded / failed)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_items_processed_total",
			Help: "Total number of items processed by outcome",
		},
		[]string{"namespace", "outcome"},
	)

	// ItemRetriesTotal tracks retry attempts after a failed item attempt
	ItemRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_item_retries_total",
			Help: "Total number of item retry attempts",
		},
		[]string{"namespace"},
	)

	// CheckpointDuration tracks batch state write latency
	CheckpointDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "importer_checkpoint_duration_seconds",
			Help:    "Batch state write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// StateStoreErrors tracks failed batch state operations
	StateStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_state_store_errors_total",
			Help: "Total number of batch state store errors",
		},
		[]string{"op"},
	)

	// CleanupDeleted tracks rows removed by cleanup
	CleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "importer_cleanup_deleted_total",
			Help: "Total number of batch state rows deleted by cleanup",
		},
	)

	// ActiveRuns tracks batch runs currently executing in this process
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "importer_active_runs",
			Help: "Number of batch runs currently executing",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "importer_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
