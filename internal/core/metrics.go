package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook outcome label values recorded on the events counter.
const (
	OutcomeProcessed    = "processed"
	OutcomeRejected     = "rejected"
	OutcomeReplayed     = "replayed"
	OutcomeUnresolvable = "unresolvable"
	OutcomeUnhandled    = "unhandled"
	OutcomeError        = "error"
)

// Metrics holds the Prometheus collectors for the webhook pipeline.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics creates the webhook metrics collectors, unregistered.
// Call Register to attach them to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Webhook events received, by event type and processing outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_processing_seconds",
				Help:    "End-to-end webhook processing duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Register attaches the collectors to the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.eventsTotal); err != nil {
		return err
	}
	return reg.Register(m.duration)
}

// RecordEvent records one webhook event outcome. eventType may be empty when
// the envelope could not be parsed; it is recorded as "unknown" so the
// cardinality of the label stays bounded by the provider's vocabulary.
func (m *Metrics) RecordEvent(eventType, outcome string, duration time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.duration.Observe(duration.Seconds())
}
