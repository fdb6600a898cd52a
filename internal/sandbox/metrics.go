package sandbox

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sandbox-specific Prometheus metrics, registered on the
// host's custom registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SandboxesCreated   *prometheus.CounterVec
	SandboxesDestroyed prometheus.Counter
	Executions         *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	CodeRejections     *prometheus.CounterVec
	LimitViolations    *prometheus.CounterVec
}

// NewMetrics creates and registers the sandbox metrics. Returns nil when
// reg is nil (observability disabled).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandboxes created, by permission level.",
		}, []string{"level"}),
		SandboxesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "destroyed_total",
			Help:      "Total sandboxes destroyed.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total plugin executions, by outcome.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Plugin execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		CodeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "code_rejections_total",
			Help:      "Total static validation rejections, by violated rule.",
		}, []string{"rule"}),
		LimitViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Subsystem: "sandbox",
			Name:      "limit_violations_total",
			Help:      "Total resource quota violations, by resource.",
		}, []string{"resource"}),
	}

	reg.MustRegister(
		m.SandboxesCreated,
		m.SandboxesDestroyed,
		m.Executions,
		m.ExecutionDuration,
		m.CodeRejections,
		m.LimitViolations,
	)
	return m
}

func (m *Metrics) observeCreated(level string) {
	if m == nil {
		return
	}
	m.SandboxesCreated.WithLabelValues(level).Inc()
}

func (m *Metrics) observeDestroyed() {
	if m == nil {
		return
	}
	m.SandboxesDestroyed.Inc()
}

func (m *Metrics) observeExecution(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status).Inc()
	if d > 0 {
		m.ExecutionDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) observeRejection(err error) {
	if m == nil {
		return
	}
	var v *ViolationError
	if errors.As(err, &v) {
		m.CodeRejections.WithLabelValues(v.Rule).Inc()
	}
}

func (m *Metrics) observeLimitViolation(err error) {
	if m == nil {
		return
	}
	var l *LimitError
	if errors.As(err, &l) {
		m.LimitViolations.WithLabelValues(l.Resource).Inc()
	}
}
