// Package metrics defines the Prometheus instrumentation for the ingestion
// pipeline and query layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	// BatchesTotal tracks ingestion batches by final outcome
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Total number of ingestion batches by outcome",
		},
		[]string{"account_id", "outcome"},
	)

	// BatchDuration tracks end-to-end batch ingestion duration
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Batch ingestion duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"account_id"},
	)

	// ReportsTotal tracks ingested report files by detected format
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_reports_total",
			Help: "Total number of ingested report files by format",
		},
		[]string{"account_id", "format"},
	)

	// FindingsTotal tracks per-finding diff outcomes
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_findings_total",
			Help: "Total findings processed by diff outcome (created, refreshed, fixed)",
		},
		[]string{"account_id", "outcome"},
	)

	// RecordsSkippedTotal tracks records dropped during normalization
	RecordsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_skipped_total",
			Help: "Total records skipped during normalization",
		},
		[]string{"account_id"},
	)

	// DaysActiveClampedTotal tracks fixed durations clamped to zero
	DaysActiveClampedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_days_active_clamped_total",
			Help: "Total fixed findings whose days-active duration was clamped to zero",
		},
		[]string{"account_id"},
	)
)

// Query metrics
var (
	// QueriesTotal tracks query-layer operations by type and status
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queries_total",
			Help: "Total number of query operations by type and status",
		},
		[]string{"type", "status"},
	)

	// QueryDuration tracks query-layer latency
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_duration_seconds",
			Help:    "Query operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"type"},
	)
)

// Job metrics
var (
	// JobsProcessedTotal tracks background jobs by type and status
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of background jobs processed by type and status",
		},
		[]string{"type", "status"},
	)

	// JobDuration tracks background job duration
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"type"},
	)
)
