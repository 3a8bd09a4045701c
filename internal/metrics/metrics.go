// Package metrics declares the Prometheus collectors shared by the ingestion,
// retry and rollup paths. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dineinsight"

var (
	// EventsProcessed counts processor outcomes per event.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Events handled by the event processor, by entity type and outcome.",
	}, []string{"entity_type", "outcome"})

	// IngestedEvents counts events accepted at the ingestion entry point by
	// where they ended up (persisted, duplicate, queued, lost).
	IngestedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingested_events_total",
		Help:      "Events accepted by the ingestion endpoint, by disposition.",
	}, []string{"disposition"})

	// FallbackWrites counts fallback queue writes by tier (primary, emergency, lost).
	FallbackWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_writes_total",
		Help:      "Fallback queue writes by storage tier.",
	}, []string{"tier"})

	// FallbackBacklog is the last observed file count per queue state.
	FallbackBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fallback_backlog_files",
		Help:      "Fallback queue files per lifecycle state.",
	}, []string{"state"})

	// RetryRecords counts retry worker record outcomes.
	RetryRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_records_total",
		Help:      "Fallback records handled by the retry worker, by outcome.",
	}, []string{"outcome"})

	// RetryCycles counts retry cycles that ran or were skipped due to overlap.
	RetryCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_cycles_total",
		Help:      "Retry worker cycles, by result.",
	}, []string{"result"})

	// AggregationRuns counts daily rollup runs per family and status.
	AggregationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_runs_total",
		Help:      "Daily aggregation runs, by entity type and status.",
	}, []string{"entity_type", "status"})

	// AggregationSummaries counts summary documents upserted.
	AggregationSummaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_summaries_total",
		Help:      "Daily summary documents upserted, by entity type.",
	}, []string{"entity_type"})

	// AggregationDuration measures a family's run for one day.
	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_duration_seconds",
		Help:      "Duration of one daily aggregation run in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
	}, []string{"entity_type"})

	// StoreBreakerTransitions counts primary store circuit breaker state changes.
	StoreBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_breaker_transitions_total",
		Help:      "Primary store circuit breaker transitions, by target state.",
	}, []string{"to"})

	// HTTPRequests counts served requests by route template, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration is the request latency histogram.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Histogram of HTTP request durations in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	// RetentionDeleted counts raw events removed by retention.
	RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_events_total",
		Help:      "Raw events deleted by the retention job.",
	})
)
