package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/beamflow/beamflow/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Errorf("New(nil) = %+v, want nil", obs)
	}
	// Shutdown on a nil receiver must be safe.
	obs.Shutdown(context.Background())
}

func TestNew_MetricsOnly(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}
	obs, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("Metrics not initialized")
	}
	if obs.Tracer != nil {
		t.Error("Tracer initialized without tracing config")
	}
	if obs.Health == nil {
		t.Error("Health checker missing")
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	m := NewMetricsCollector()

	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sandboxes", "200").Inc()
	m.SetActiveSandboxes(3)
	m.EventBusDropped.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	if f, ok := byName["beamflow_http_requests_total"]; !ok {
		t.Error("http requests counter not registered")
	} else if f.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("requests counter = %v, want 1", f.GetMetric()[0].GetCounter().GetValue())
	}
	if f, ok := byName["beamflow_active_sandboxes"]; !ok {
		t.Error("active sandboxes gauge not registered")
	} else if f.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Errorf("gauge = %v, want 3", f.GetMetric()[0].GetGauge().GetValue())
	}
	if _, ok := byName["beamflow_events_dropped_total"]; !ok {
		t.Error("event drop counter not registered")
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := HTTPMetricsMiddleware(m, nil, inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/limits", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() != "beamflow_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["path"] == "/v1/limits" && labels["status_code"] == "418" {
				found = true
				if metric.GetCounter().GetValue() != 1 {
					t.Errorf("counter = %v, want 1", metric.GetCounter().GetValue())
				}
			}
		}
	}
	if !found {
		t.Error("no counter sample for GET /v1/limits 418")
	}
}

func TestHTTPMetricsMiddleware_NilCollector(t *testing.T) {
	var called bool
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("wrapped handler not invoked")
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if got := h.CheckHealth().Status; got != "ok" {
		t.Errorf("CheckHealth = %q, want ok", got)
	}
	if got := h.CheckReady(context.Background()).Status; got != "ok" {
		t.Errorf("CheckReady with no checks = %q, want ok", got)
	}

	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("broker", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("Status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %+v", status.Checks["storage"])
	}
	if status.Checks["broker"].Status != "fail" || status.Checks["broker"].Message == "" {
		t.Errorf("broker check = %+v", status.Checks["broker"])
	}
}
