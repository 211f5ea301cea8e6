package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoredTotal counts stored records by resource type and outcome
	// (created, updated, unchanged).
	StoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_stored_records_total",
			Help: "Total number of records passed to store",
		},
		[]string{"resource", "outcome"},
	)
	// OperationDuration is the latency of engine operations.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_operation_duration_seconds",
			Help:    "Storage engine operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "resource"},
	)
	// CountTimeouts counts best effort counts that degraded to unknown.
	CountTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_count_timeouts_total",
			Help: "Total number of best effort counts that timed out",
		},
		[]string{"resource"},
	)
	// WriteConflicts counts store batches retried after a concurrent write.
	WriteConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_write_conflicts_total",
			Help: "Total number of store batches retried after a write conflict",
		},
		[]string{"resource"},
	)
	// CursorsIssued counts paging tokens by encoding (embedded, stored).
	CursorsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_cursors_issued_total",
			Help: "Total number of paging tokens issued",
		},
		[]string{"encoding"},
	)
	// CursorsRemoved counts server-resident cursors removed by cleanup.
	CursorsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_cursors_removed_total",
			Help: "Total number of expired server-resident cursors removed",
		},
	)
	// RetentionDeleted counts rows removed by retention per resource type.
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_retention_deleted_total",
			Help: "Total number of rows removed by retention",
		},
		[]string{"resource"},
	)
	// JoinIndexRunning is 1 while a join index refresh is active.
	JoinIndexRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_join_index_running",
			Help: "Whether a join index refresh is running",
		},
	)
	// JoinIndexMerged counts parents updated by the join index per child type.
	JoinIndexMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_join_index_merged_total",
			Help: "Total number of parent records updated by the join index",
		},
		[]string{"parent", "child"},
	)
	// AdminPanics counts admin handler panics per route template.
	AdminPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_admin_panics_total",
			Help: "Total number of panics recovered in admin handlers",
		},
		[]string{"route"},
	)
)

// ObserveSince records the time elapsed since start for an operation.
func ObserveSince(operation, resource string, start time.Time) {
	OperationDuration.WithLabelValues(operation, resource).Observe(time.Since(start).Seconds())
}
