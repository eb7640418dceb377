package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revspot"

// Pipeline metrics
var (
	// EntriesProcessed counts entries reaching a terminal status.
	EntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_processed_total",
			Help:      "Total number of queue entries that reached a terminal status",
		},
		[]string{"status"},
	)

	// StageDuration tracks the time spent in each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time taken by each pipeline stage",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// ActiveTasks tracks the number of pipeline tasks holding a worker slot.
	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of pipeline tasks currently running",
		},
	)

	// QueuedEntries tracks entries waiting for dispatch.
	QueuedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_entries",
			Help:      "Number of entries waiting for a worker",
		},
	)

	// UploadedBytes counts bytes written to remote storage.
	UploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Total bytes uploaded to remote storage",
		},
	)

	// Refinements counts refine operations by result.
	Refinements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinements_total",
			Help:      "Total number of tag refinements",
		},
		[]string{"result"},
	)

	// RemoteCallRetries counts retried remote calls by operation.
	RemoteCallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_call_retries_total",
			Help:      "Total number of retried remote calls",
		},
		[]string{"operation"},
	)
)

// Session metrics
var (
	// TokenRefreshes counts credential refresh attempts by result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of OAuth token refreshes",
		},
		[]string{"result"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsCompleted counts files created through the upload endpoint.
	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "uploads_completed_total",
			Help:      "Total number of uploads completed",
		},
	)
)

// RecordSuccess records an entry that finished tagging.
func RecordSuccess() {
	EntriesProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records an entry that ended in error.
func RecordFailure() {
	EntriesProcessed.WithLabelValues("error").Inc()
}

// RecordRefresh records the outcome of a token refresh.
func RecordRefresh(ok bool) {
	if ok {
		TokenRefreshes.WithLabelValues("success").Inc()
		return
	}
	TokenRefreshes.WithLabelValues("failed").Inc()
}
