package metrics

import "github.com/prometheus/client_golang/prometheus"

// UsageMetrics tracks the usage allocation pipeline.
type UsageMetrics struct {
	recorded *prometheus.CounterVec
	exceeded *prometheus.CounterVec
}

// NewUsageMetrics registers the usage counters on the provided registerer.
func NewUsageMetrics(reg prometheus.Registerer) *UsageMetrics {
	if reg == nil {
		return &UsageMetrics{}
	}
	recorded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_events_recorded_total",
		Help:      "Ingested events counted against billing windows.",
	}, []string{"pricing"})
	exceeded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_allocation_exceeded_total",
		Help:      "Increments that pushed an organization past its allocation.",
	}, []string{"pricing"})
	reg.MustRegister(recorded, exceeded)
	return &UsageMetrics{recorded: recorded, exceeded: exceeded}
}

// AddRecorded counts events applied to a window.
func (m *UsageMetrics) AddRecorded(pricing string, n int64) {
	if m == nil || m.recorded == nil {
		return
	}
	m.recorded.WithLabelValues(normalizeLabel(pricing)).Add(float64(n))
}

// IncExceeded counts an increment that crossed the allocation.
func (m *UsageMetrics) IncExceeded(pricing string) {
	if m == nil || m.exceeded == nil {
		return
	}
	m.exceeded.WithLabelValues(normalizeLabel(pricing)).Inc()
}
