package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the process-level Prometheus metrics.
// Uses a custom registry; no global state. Subsystem-specific metrics
// (sandbox, reporter) register themselves on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Admin HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Runtime state.
	ActiveSandboxes prometheus.Gauge
	EventBusDropped prometheus.Counter
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beamflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "active_sandboxes",
			Help:      "Number of currently registered sandboxes.",
		}),

		EventBusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Plugin events dropped because a subscriber was slow.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveSandboxes,
		m.EventBusDropped,
	)
	return m
}

// SetActiveSandboxes updates the active-sandbox gauge. Satisfies the usage
// reporter's Gauges interface.
func (m *MetricsCollector) SetActiveSandboxes(n float64) {
	m.ActiveSandboxes.Set(n)
}
