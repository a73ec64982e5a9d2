package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tracelight_billing"

// WebhookMetrics tracks how processor events are resolved.
type WebhookMetrics struct {
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewWebhookMetrics registers the webhook counters on the provided registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Processor events by type and resolution.",
	}, []string{"type", "outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_failures_total",
		Help:      "Processor events rejected for redelivery.",
	}, []string{"type"})
	reg.MustRegister(outcomes, failures)
	return &WebhookMetrics{outcomes: outcomes, failures: failures}
}

// IncOutcome counts one resolved event.
func (m *WebhookMetrics) IncOutcome(eventType, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// IncFailure counts one event handed back to the processor for retry.
func (m *WebhookMetrics) IncFailure(eventType string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(eventType)).Inc()
}
