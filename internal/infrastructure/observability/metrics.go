package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// State machine metrics
	TransitionsTotal *prometheus.CounterVec
	PaymentsCreated  *prometheus.CounterVec
	IntakeHalted     prometheus.Gauge

	// Outbox metrics
	OutboxPublished    *prometheus.CounterVec
	OutboxFailures     *prometheus.CounterVec
	OutboxExhausted    *prometheus.CounterVec
	OutboxPublishDelay prometheus.Histogram

	// Webhook and reconciliation metrics
	WebhooksTotal           *prometheus.CounterVec
	ReconciliationAnomalies *prometheus.CounterVec

	// Lock metrics
	LockContention *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_transitions_total",
				Help:      "State machine transition attempts by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		PaymentsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_created_total",
				Help:      "Payment intents accepted, split by whether the idempotency key was new",
			},
			[]string{"result"},
		),
		IntakeHalted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "intake_halted",
				Help:      "1 when payment intake is halted after detecting corrupt store state",
			},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox events confirmed by the message bus",
			},
			[]string{"topic"},
		),
		OutboxFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_delivery_failures_total",
				Help:      "Failed outbox delivery attempts",
			},
			[]string{"topic"},
		),
		OutboxExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_delivery_exhausted_total",
				Help:      "Outbox events that reached the attempts ceiling",
			},
			[]string{"topic"},
		),
		OutboxPublishDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_publish_delay_seconds",
				Help:      "Time from outbox commit to confirmed delivery",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Provider callbacks by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		ReconciliationAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_anomalies_total",
				Help:      "Anomalies announced by the reconciliation detector",
			},
			[]string{"anomaly"},
		),
		LockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_events_total",
				Help:      "Lock contention and lease loss",
			},
			[]string{"event"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stream"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.TransitionsTotal,
		m.PaymentsCreated,
		m.IntakeHalted,
		m.OutboxPublished,
		m.OutboxFailures,
		m.OutboxExhausted,
		m.OutboxPublishDelay,
		m.WebhooksTotal,
		m.ReconciliationAnomalies,
		m.LockContention,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

// LockContended implements lock.Observer.
func (m *Metrics) LockContended(string) {
	m.LockContention.WithLabelValues("contended").Inc()
}

// LockLost implements lock.Observer.
func (m *Metrics) LockLost(string) {
	m.LockContention.WithLabelValues("lost").Inc()
}
