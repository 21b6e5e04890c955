package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"approvals_http_requests_total",
		"approvals_http_request_duration_seconds",
		"approvals_instances_created_total",
		"approvals_actions_total",
		"approvals_completions_total",
		"approvals_instances_blocked_total",
		"approvals_auto_approvals_total",
		"approvals_resolutions_total",
		"approvals_sweep_duration_seconds",
		"approvals_sweep_due_instances",
		"approvals_sweeps_skipped_total",
		"approvals_notifications_total",
		"approvals_circuit_breaker_state",
		"approvals_capability_cache_hits_total",
		"approvals_capability_cache_misses_total",
		"approvals_idempotent_replays_total",
		"approvals_templates_loaded",
		"approvals_directory_reload_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond)
	m.RecordInstanceCreated("leave")
	m.RecordAction("leave", "approve", "applied")
	m.RecordCompletion("leave", "approved")
	m.RecordBlocked("leave")
	m.RecordAutoApproval("leave")
	m.RecordResolution("manager", true)
	m.RecordSweep(time.Millisecond, 2)
	m.RecordSweepSkipped()
	m.RecordNotification("webhook", nil)
	m.SetCircuitBreakerState("directory", 0)
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.RecordIdempotentReplay()
	m.SetTemplatesLoaded(3)
	m.RecordDirectoryReload("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestNilMetrics_isSafe(t *testing.T) {
	var m *Metrics
	m.RecordInstanceCreated("leave")
	m.RecordAction("leave", "approve", "applied")
	m.RecordSweep(time.Second, 1)
	m.SetCircuitBreakerState("directory", 2)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/instances/{id}", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/v1/instances/{id}", 200, 100*time.Millisecond)
	m.RecordHTTPRequest("POST", "/v1/instances/{id}/actions", 409, 200*time.Millisecond)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{id}/actions", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordAction(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAction("expense", "approve", "applied")
	m.RecordAction("expense", "approve", "conflict")
	m.RecordAction("expense", "approve", "applied")

	if v := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("expense", "approve", "applied")); v != 2 {
		t.Errorf("applied = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("expense", "approve", "conflict")); v != 1 {
		t.Errorf("conflict = %v, want 1", v)
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceCreated("leave")
	m.RecordBlocked("leave")
	m.RecordCompletion("leave", "rejected")

	if v := testutil.ToFloat64(m.InstancesCreatedTotal.WithLabelValues("leave")); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BlockedTotal.WithLabelValues("leave")); v != 1 {
		t.Errorf("blocked = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("leave", "rejected")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
}

func TestRecordResolution(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordResolution("role", true)
	m.RecordResolution("role", false)
	m.RecordResolution("role", false)

	if v := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("role", "resolved")); v != 1 {
		t.Errorf("resolved = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("role", "failed")); v != 2 {
		t.Errorf("failed = %v, want 2", v)
	}
}

func TestRecordSweep(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSweep(200*time.Millisecond, 3)
	m.RecordAutoApproval("training")
	m.RecordSweepSkipped()

	if count := testutil.CollectAndCount(m.SweepDuration); count == 0 {
		t.Error("expected sweep duration histogram to have observations")
	}
	if count := testutil.CollectAndCount(m.SweepDueInstances); count == 0 {
		t.Error("expected sweep size histogram to have observations")
	}
	if v := testutil.ToFloat64(m.AutoApprovalsTotal.WithLabelValues("training")); v != 1 {
		t.Errorf("auto approvals = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SweepsSkipped); v != 1 {
		t.Errorf("skipped = %v, want 1", v)
	}
}

func TestRecordNotification(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("webhook", nil)
	m.RecordNotification("webhook", errors.New("boom"))

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("webhook", "sent")); v != 1 {
		t.Errorf("sent = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("webhook", "failed")); v != 1 {
		t.Errorf("failed = %v, want 1", v)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitBreakerState("directory", 0)
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("directory")); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}

	m.SetCircuitBreakerState("directory", 2)
	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("directory")); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
}

func TestRecordCapabilityCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	if hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetTemplatesLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetTemplatesLoaded(5)
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 5 {
		t.Errorf("templates loaded = %v, want 5", v)
	}
	m.SetTemplatesLoaded(7)
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 7 {
		t.Errorf("templates loaded = %v, want 7", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/inst-42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/instances/{id}/actions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/inst-1/actions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{id}/actions", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":       httpDurationBuckets,
		"sweep":      sweepDurationBuckets,
		"sweep_size": sweepSizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}

func TestMetricsMiddleware_nestedRoutesCollapseWildcards(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/instances", func(r chi.Router) {
			r.Get("/{id}/approvers", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/instances/inst-9/approvers", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}/approvers", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}
