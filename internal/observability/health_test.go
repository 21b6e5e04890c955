package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady_templatesOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{TemplatesLoaded: func() bool { return true }})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1", len(resp.Checks))
	}
}

func TestHandleReady_noTemplates(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{TemplatesLoaded: func() bool { return false }})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["templates"].Status != "error" || resp.Checks["templates"].Error == "" {
		t.Errorf("templates = %+v, want error with message", resp.Checks["templates"])
	}
}

func TestHandleReady_nilTemplatesCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_optionalChecks(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
		Store:           &mockHealthChecker{},
		Redis:           HealthCheckFunc(func(context.Context) error { return nil }),
		Directory:       &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		key    string
	}{
		{"store", ReadinessChecks{Store: &mockHealthChecker{err: errors.New("connection refused")}}, "store"},
		{"redis", ReadinessChecks{Redis: &mockHealthChecker{err: errors.New("connection refused")}}, "redis"},
		{"directory", ReadinessChecks{Directory: &mockHealthChecker{err: errors.New("connection refused")}}, "directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.TemplatesLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			if resp.Checks[tt.key].Error != "connection refused" {
				t.Errorf("%s error = %q", tt.key, resp.Checks[tt.key].Error)
			}
		})
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return false },
		Store:           &mockHealthChecker{err: errors.New("pg down")},
		Redis:           &mockHealthChecker{err: errors.New("redis down")},
	})

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}
