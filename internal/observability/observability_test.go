package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
)

// --- No-op path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestNilAccessors(t *testing.T) {
	var obs *Observability
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.AnomalyOrNil() != nil {
		t.Error("expected nil anomaly detector from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_RegistersAll(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vec metrics only appear in Gather after first use.
	m.PolicyChecksTotal.WithLabelValues("command", "denied").Inc()
	m.ExecutionsTotal.WithLabelValues("bwrap", "success").Inc()
	m.FileOperationsTotal.WithLabelValues("write", "success").Inc()
	m.NetworkRequestsTotal.WithLabelValues("GET", "success").Inc()
	m.AuthAttemptsTotal.WithLabelValues("api_key", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/exec", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sandboxd_policy_checks_total",
		"sandboxd_exec_executions_total",
		"sandboxd_file_operations_total",
		"sandboxd_network_requests_total",
		"sandboxd_auth_attempts_total",
		"sandboxd_http_requests_total",
		"sandboxd_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_CounterValues(t *testing.T) {
	m := NewMetricsCollector()

	m.PolicyChecksTotal.WithLabelValues("command", "denied").Inc()
	m.PolicyChecksTotal.WithLabelValues("command", "denied").Inc()
	m.PolicyChecksTotal.WithLabelValues("command", "allowed").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	for _, f := range families {
		if f.GetName() != "sandboxd_policy_checks_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["result"] == "denied" && metric.GetCounter().GetValue() != 2 {
				t.Errorf("denied count = %v, want 2", metric.GetCounter().GetValue())
			}
			if labels["result"] == "allowed" && metric.GetCounter().GetValue() != 1 {
				t.Errorf("allowed count = %v, want 1", metric.GetCounter().GetValue())
			}
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_ReadyNoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_ReadyDegraded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthChecker(logger)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("docker", func(ctx context.Context) error { return errors.New("daemon unreachable") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", got.Status)
	}
	if got.Checks["db"].Status != "ok" {
		t.Errorf("db check = %+v, want ok", got.Checks["db"])
	}
	if got.Checks["docker"].Status != "fail" || got.Checks["docker"].Message == "" {
		t.Errorf("docker check = %+v, want fail with message", got.Checks["docker"])
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	// Should not panic.
	a.RecordDenial("u")
	a.RecordAllowed("u")
}

func TestAnomalyDetector_Records(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:             true,
		DenialRateThreshold: 0.5,
		WindowSeconds:       60,
	}, logger)

	for i := 0; i < 10; i++ {
		a.RecordDenial("mallory")
	}
	a.RecordAllowed("mallory")

	a.mu.Lock()
	denied := a.getOrCreateWindow(a.denials, "mallory").sum()
	allowed := a.getOrCreateWindow(a.allowals, "mallory").sum()
	a.mu.Unlock()

	if denied != 10 {
		t.Errorf("denied sum = %v, want 10", denied)
	}
	if allowed != 1 {
		t.Errorf("allowed sum = %v, want 1", allowed)
	}
}

// --- TracerSetup ---

func TestTracerSetup_DisabledReturnsNil(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracerSetup: %v", err)
	}
	if ts != nil {
		t.Error("expected nil TracerSetup when disabled")
	}
	// Nil setup still hands out a usable no-op tracer.
	if ts.Tracer() == nil {
		t.Error("expected no-op tracer from nil TracerSetup")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}
