// Package metrics holds the Prometheus instruments of the AIS store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ais_messages_ingested_total",
			Help: "Message rows added to the store",
		},
		[]string{"source"}, // "http", "nats", "cli"
	)

	IngestBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ais_ingest_batches_total",
			Help: "Ingestion payloads processed by result",
		},
		[]string{"source", "result"}, // result: "ok", "malformed", "error"
	)

	ArchiveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ais_archive_failures_total",
			Help: "Batches that could not be mirrored to the history archive",
		},
	)

	// Retention
	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ais_messages_deleted_total",
			Help: "Message rows removed by the retention sweeper",
		},
	)

	RetentionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ais_retention_runs_total",
			Help: "Retention sweeps by result",
		},
		[]string{"result"},
	)

	// Store
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ais_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ais_store_operation_errors_total",
			Help: "Store operations that returned an error",
		},
		[]string{"operation"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ais_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"route", "status"},
	)
)

// ObserveOperation records the duration of a store operation and counts
// it as failed when err is non-nil.
func ObserveOperation(operation string, start time.Time, err error) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		QueryErrors.WithLabelValues(operation).Inc()
	}
}
