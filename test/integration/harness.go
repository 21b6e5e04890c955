// Package integration provides a reusable test harness for end-to-end
// testing of the approvals server. It starts the full HTTP stack with
// in-memory stores, a file-backed directory, a webhook sink and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/directory"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/lease"
	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/resolver"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// Clock is a settable time source shared by the engine and sweeper.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestHarness encapsulates a fully wired approvals server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Clock     *Clock
	Engine    *workflow.Engine
	Templates *template.Service
	Sweeper   *workflow.Sweeper
	Directory *directory.Static
	Webhook   *WebhookSink
	Metrics   *observability.Metrics
}

// NewTestHarness creates and starts a full test instance. The server is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	td := testdataDir()

	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		Clock:   &Clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		Webhook: newWebhookSink(t),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}

	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Capability.StaticPolicyFile = filepath.Join(td, "policies.yaml")
	cfg.Directory.File = filepath.Join(td, "directory.yaml")
	cfg.Templates.Directories = []string{filepath.Join(td, "templates")}
	cfg.Notifier.WebhookURL = h.Webhook.URL()
	cfg.Notifier.RatePerSec = 0
	cfg.Sweeper.Concurrency = 2
	cfg.Observability.Metrics.Enabled = false

	dir, err := directory.LoadStatic(cfg.Directory.File, logger, h.Metrics)
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	h.Directory = dir

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	// No caching so role changes in tokens apply immediately.
	caps := capability.NewResolver(evaluator, 0)

	h.Templates = template.NewService(template.NewMemoryStore(),
		template.WithLogger(logger), template.WithClock(h.Clock.Now))
	seeds, err := template.NewLoader().LoadAll(cfg.Templates.Directories)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if _, err := h.Templates.Seed(context.Background(), seeds); err != nil {
		t.Fatalf("seed templates: %v", err)
	}

	hook := notify.NewWebhook(cfg.Notifier, h.Metrics, logger)
	h.Engine = workflow.NewEngine(workflow.NewMemoryStore(), h.Templates,
		resolver.New(dir, dir, h.Metrics), caps,
		workflow.WithNotifier(notify.MultiNotifier{notify.NewLog(logger), hook}),
		workflow.WithPublisher(notify.NewLog(logger)),
		workflow.WithMetrics(h.Metrics),
		workflow.WithLogger(logger),
		workflow.WithClock(h.Clock.Now),
	)
	h.Sweeper = workflow.NewSweeper(h.Engine, lease.NewLocalLocker(), cfg.Sweeper)

	idx, err := openapi.Load()
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	keys := transport.NewKeySet(cfg.Identity.JWKSURL, time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.NewAuthenticator(cfg.Identity, keys).Middleware,
		CapabilityResolver: caps,
		Engine:             h.Engine,
		Templates:          h.Templates,
		Idempotency:        idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour, h.Metrics, logger),
		OpenAPI:            idx,
		Metrics:            h.Metrics,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return h.Templates.Loaded(context.Background()) },
			Directory:       dir,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Token creates a valid JWT for subject with the given roles.
func (h *TestHarness) Token(subject string, roles ...string) string {
	return h.issuer.GenerateToken(TestClaims{SubjectID: subject, Email: subject + "@example.com", Roles: roles})
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(data))
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ErrorCode reads an error envelope and returns its code.
func (h *TestHarness) ErrorCode(t *testing.T, resp *http.Response, expected int) string {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	return body.Error.Code
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
