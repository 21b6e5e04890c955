package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine
	Templates          *template.Service
	Idempotency        *idempotency.Guard
	OpenAPI            *openapi.Index
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the OpenAPI document
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}
	r.Get("/openapi.yaml", openapi.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.RolesClaim))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.OpenAPI != nil && deps.Config.Server.ValidateRequests {
			r.Use(deps.OpenAPI.Middleware(WriteError))
		}

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", handleTemplateList(deps.Templates))
			r.Post("/", handleTemplateCreate(deps.Templates))
			r.Get("/{id}", handleTemplateGet(deps.Templates))
			r.Put("/{id}", handleTemplateUpdate(deps.Templates))
			r.Post("/{id}/activate", handleTemplateSetActive(deps.Templates, true))
			r.Post("/{id}/deactivate", handleTemplateSetActive(deps.Templates, false))
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", handleInstanceList(deps.Engine))
			r.Post("/", handleInstanceCreate(deps.Engine))
			r.Get("/{id}", handleInstanceGet(deps.Engine))
			r.Get("/{id}/approvers", handleInstanceApprovers(deps.Engine))
			r.Post("/{id}/actions", handleInstanceAct(deps.Engine, deps.Idempotency))
			r.Post("/{id}/resume", handleInstanceResume(deps.Engine))
		})

		r.Get("/stats", handleStats(deps.Engine))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotFoundError("no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": model.ErrorEnvelope{Code: model.ErrBadRequest, Message: "method not allowed"},
		})
	})

	return r
}
