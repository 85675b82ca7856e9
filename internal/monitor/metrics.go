package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the submission pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	RateLimitPenalty  prometheus.Histogram
	TrackedIdentities prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	SourceSizeBytes   prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeguard",
				Name:      "submissions_total",
				Help:      "Total submissions by outcome.",
			},
			[]string{"outcome"},
		),

		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeguard",
				Subsystem: "analysis",
				Name:      "violations_total",
				Help:      "Static analysis violations by kind.",
			},
			[]string{"kind"},
		),

		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeguard",
				Subsystem: "analysis",
				Name:      "duration_seconds",
				Help:      "Time spent parsing and vetting a submission.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeguard",
				Name:      "executions_total",
				Help:      "Total sandbox executions by terminal status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeguard",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeguard",
				Name:      "execution_errors_total",
				Help:      "Sandbox infrastructure failures by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codeguard",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		RateLimitPenalty: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeguard",
				Subsystem: "ratelimit",
				Name:      "penalty_seconds",
				Help:      "Lockout durations handed out to identities.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
		),

		TrackedIdentities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codeguard",
				Subsystem: "ratelimit",
				Name:      "tracked_identities",
				Help:      "Identities currently held in rate limiter state.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeguard",
				Name:      "security_events_total",
				Help:      "Security events by type.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codeguard",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SourceSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeguard",
				Name:      "source_size_bytes",
				Help:      "Size of submitted source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeguard",
				Name:      "output_size_bytes",
				Help:      "Size of captured execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.Violations,
		m.AnalysisDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.RateLimitPenalty,
		m.TrackedIdentities,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.SourceSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

func (m *Metrics) RecordSubmission(outcome string) {
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status string, durationSec float64, outputBytes int) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(durationSec)
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

func (m *Metrics) RecordViolation(kind string) {
	m.Violations.WithLabelValues(kind).Inc()
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
