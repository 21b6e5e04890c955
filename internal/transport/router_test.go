package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/directory"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/resolver"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

type staticCaps map[string]model.CapabilitySet

func (s staticCaps) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return s[rctx.SubjectID], nil
}

func (s staticCaps) Invalidate(string) {}

// headerAuth stands in for JWT verification: the subject comes from
// X-Test-Subject and a missing header is rejected.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get("X-Test-Subject")
		if sub == "" {
			WriteError(w, model.NewUnauthorizedError("missing authorization header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any{"sub": sub})))
	})
}

type harness struct {
	router    http.Handler
	engine    *workflow.Engine
	templates *template.Service
	idem      *idempotency.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Observability.Metrics.Enabled = false

	dir := directory.NewStatic(directory.Data{
		Employees: map[string]directory.Employee{
			"emp-7": {Manager: "mgr-3", Department: "engineering"},
			"emp-9": {Department: "engineering"},
			"mgr-3": {Department: "engineering"},
		},
		Departments: map[string]directory.Department{"engineering": {Head: "head-1"}},
	})
	caps := staticCaps{
		"ops-1":     {model.CapOverride: true},
		"auditor-1": {model.CapInstancesViewAll: true},
		"tpl-admin": {"approvals:templates:*": true},
	}

	templates := template.NewService(template.NewMemoryStore())
	engine := workflow.NewEngine(workflow.NewMemoryStore(), templates, resolver.New(dir, dir, nil), caps)

	idx, err := openapi.Load()
	require.NoError(t, err)

	idem := idempotency.NewMemoryStore()
	h := &harness{engine: engine, templates: templates, idem: idem}
	h.router = NewRouter(Dependencies{
		Config:             cfg,
		Authenticate:       headerAuth,
		CapabilityResolver: caps,
		Engine:             engine,
		Templates:          templates,
		Idempotency:        idempotency.NewGuard(idem, time.Hour, nil, nil),
		OpenAPI:            idx,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return templates.Loaded(context.Background()) },
		},
	})

	_, err = templates.CreateTemplate(context.Background(), model.WorkflowTemplate{
		ID: "leave-2", Name: "Leave", Module: model.ModuleLeave, IsActive: true,
		Steps: []model.StepDefinition{
			{Order: 1, Name: "Manager", ApproverType: model.ApproverManager},
			{Order: 2, Name: "Admin", ApproverType: model.ApproverSpecificUser, ApproverID: "admin-1", CanSkip: true},
		},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, subject, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set("X-Test-Subject", subject)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error.Code
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestNewRouter_ready(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_openAPIDocument(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "", http.MethodGet, "/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "operationId: createInstance")
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_authenticatedRoutesRejectAnonymous(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{"/v1/instances", "/v1/templates", "/v1/stats", "/v1/instances/x/approvers"} {
		rec := h.do(t, "", http.MethodGet, target, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestNewRouter_everyDocumentedOperationIsRouted(t *testing.T) {
	h := newHarness(t)
	idx, err := openapi.Load()
	require.NoError(t, err)

	routes := map[string]bool{}
	err = chi.Walk(h.router.(chi.Routes), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	require.NoError(t, err)

	for _, op := range idx.Operations() {
		assert.True(t, routes[op.Method+" "+op.Path], "operation %s (%s %s) has no route", op.ID, op.Method, op.Path)
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "", http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrNotFound, errorCode(t, rec))
}

func TestNewRouter_requestValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "emp-7", http.MethodPost, "/v1/instances", map[string]any{"module": "payroll", "reference_id": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrValidationError, errorCode(t, rec))
}
