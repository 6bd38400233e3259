// Package metrics provides Prometheus instrumentation for the calculation
// engine: cache hit/miss rates, query latency, scheduler run outcomes,
// streaming throughput, and notification dispatch results.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	// Cache (C1)
	CacheOpsTotal    *prometheus.CounterVec
	CacheOpDuration  *prometheus.HistogramVec
	ComputeIfMissing *prometheus.HistogramVec

	// Query API (C4)
	QueryTotal    *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Scheduler (C6)
	ScheduleRunsTotal    *prometheus.CounterVec
	ScheduleRunDuration  *prometheus.HistogramVec
	ScheduledCalcsActive prometheus.Gauge

	// Streaming (C5)
	EventsSubmittedTotal *prometheus.CounterVec
	EventsProcessedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec
	BatchSize            prometheus.Histogram

	// Integration (C7)
	NotificationsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration (useful in tests that construct
// multiple instances in the same process).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "cache",
				Name:      "operations_total",
				Help:      "Total cache operations by backend, op, and outcome.",
			},
			[]string{"backend", "op", "outcome"},
		),
		CacheOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfcalc",
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Cache operation duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"backend", "op"},
		),
		ComputeIfMissing: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfcalc",
				Subsystem: "cache",
				Name:      "compute_if_missing_duration_seconds",
				Help:      "compute_if_missing latency by outcome (hit/computed/error).",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),

		QueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "query",
				Name:      "requests_total",
				Help:      "Total query API requests by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfcalc",
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Query API request duration in seconds.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),

		ScheduleRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Total scheduled calculation runs by outcome.",
			},
			[]string{"calculation_type", "outcome"},
		),
		ScheduleRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfcalc",
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Scheduled run duration in seconds.",
				Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"calculation_type"},
		),
		ScheduledCalcsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "perfcalc",
				Subsystem: "scheduler",
				Name:      "schedules_enabled",
				Help:      "Current number of enabled schedules.",
			},
		),

		EventsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "streaming",
				Name:      "events_submitted_total",
				Help:      "Total streaming events submitted by event type.",
			},
			[]string{"event_type"},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "streaming",
				Name:      "events_processed_total",
				Help:      "Total streaming events processed by handler outcome.",
			},
			[]string{"handler", "outcome"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "streaming",
				Name:      "events_dropped_total",
				Help:      "Total streaming events rejected (e.g. processor not started).",
			},
			[]string{"reason"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "perfcalc",
				Subsystem: "streaming",
				Name:      "batch_size",
				Help:      "Distribution of dispatched batch sizes.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfcalc",
				Subsystem: "integration",
				Name:      "notifications_total",
				Help:      "Total notification dispatches by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.CacheOpsTotal,
			m.CacheOpDuration,
			m.ComputeIfMissing,
			m.QueryTotal,
			m.QueryDuration,
			m.ScheduleRunsTotal,
			m.ScheduleRunDuration,
			m.ScheduledCalcsActive,
			m.EventsSubmittedTotal,
			m.EventsProcessedTotal,
			m.EventsDroppedTotal,
			m.BatchSize,
			m.NotificationsTotal,
		)
	}

	return m
}

// RecordCacheOp records a cache operation's outcome and duration.
func (m *Metrics) RecordCacheOp(backend, op, outcome string, duration time.Duration) {
	m.CacheOpsTotal.WithLabelValues(backend, op, outcome).Inc()
	m.CacheOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordComputeIfMissing records a compute_if_missing invocation.
func (m *Metrics) RecordComputeIfMissing(outcome string, duration time.Duration) {
	m.ComputeIfMissing.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordQuery records a Query API request.
func (m *Metrics) RecordQuery(kind, outcome string, duration time.Duration) {
	m.QueryTotal.WithLabelValues(kind, outcome).Inc()
	m.QueryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordScheduleRun records a scheduler run outcome.
func (m *Metrics) RecordScheduleRun(calculationType, outcome string, duration time.Duration) {
	m.ScheduleRunsTotal.WithLabelValues(calculationType, outcome).Inc()
	m.ScheduleRunDuration.WithLabelValues(calculationType).Observe(duration.Seconds())
}

// RecordEventSubmitted records a streaming event acceptance.
func (m *Metrics) RecordEventSubmitted(eventType string) {
	m.EventsSubmittedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records a streaming event rejection.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordEventProcessed records a single handler invocation outcome.
func (m *Metrics) RecordEventProcessed(handler, outcome string) {
	m.EventsProcessedTotal.WithLabelValues(handler, outcome).Inc()
}

// RecordBatch records the size of a dispatched batch.
func (m *Metrics) RecordBatch(size int) {
	m.BatchSize.Observe(float64(size))
}

// RecordNotification records a notification dispatch outcome.
func (m *Metrics) RecordNotification(channel, outcome string) {
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}
