package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	sweepSizeBuckets     = []float64{0, 1, 5, 10, 50, 100, 500, 1000}
)

// Metrics holds all Prometheus metric instruments for the approvals service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Instance metrics
	InstancesCreatedTotal *prometheus.CounterVec
	ActionsTotal          *prometheus.CounterVec
	CompletionsTotal      *prometheus.CounterVec
	BlockedTotal          *prometheus.CounterVec
	AutoApprovalsTotal    *prometheus.CounterVec
	ResolutionsTotal      *prometheus.CounterVec

	// Sweeper metrics
	SweepDuration     prometheus.Histogram
	SweepDueInstances prometheus.Histogram
	SweepsSkipped     prometheus.Counter

	// Collaborator metrics
	NotificationsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Cache and system metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal     prometheus.Counter
	TemplatesLoaded            prometheus.Gauge
	DirectoryReloadTotal       *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"module"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_actions_total",
			Help: "Total number of actions submitted, by outcome.",
		}, []string{"module", "action", "outcome"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"module", "status"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_instances_blocked_total",
			Help: "Total number of instances moved to blocked.",
		}, []string{"module"}),
		AutoApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_auto_approvals_total",
			Help: "Total number of steps auto-approved by the sweeper.",
		}, []string{"module"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_resolutions_total",
			Help: "Total number of approver resolutions, by outcome.",
		}, []string{"approver_type", "outcome"}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_sweep_duration_seconds",
			Help:    "Duration of a sweeper pass in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		SweepDueInstances: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_sweep_due_instances",
			Help:    "Number of due instances found per sweeper pass.",
			Buckets: sweepSizeBuckets,
		}),
		SweepsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_sweeps_skipped_total",
			Help: "Total sweeper passes skipped because another sweeper held the lease.",
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_notifications_total",
			Help: "Total notifications and events dispatched, by outcome.",
		}, []string{"channel", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"dependency"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_idempotent_replays_total",
			Help: "Total actions answered from the idempotency store.",
		}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_templates_loaded",
			Help: "Number of templates in the template store.",
		}),
		DirectoryReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_directory_reload_total",
			Help: "Total static directory reloads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesCreatedTotal,
		m.ActionsTotal,
		m.CompletionsTotal,
		m.BlockedTotal,
		m.AutoApprovalsTotal,
		m.ResolutionsTotal,
		m.SweepDuration,
		m.SweepDueInstances,
		m.SweepsSkipped,
		m.NotificationsTotal,
		m.CircuitBreakerState,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotentReplaysTotal,
		m.TemplatesLoaded,
		m.DirectoryReloadTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordInstanceCreated records a new instance.
func (m *Metrics) RecordInstanceCreated(module string) {
	if m == nil {
		return
	}
	m.InstancesCreatedTotal.WithLabelValues(module).Inc()
}

// RecordAction records an action attempt. Outcome is "applied",
// "already_terminal", "forbidden", "conflict" or "error".
func (m *Metrics) RecordAction(module, action, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(module, action, outcome).Inc()
}

// RecordCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordCompletion(module, status string) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(module, status).Inc()
}

// RecordBlocked records an instance moving to blocked.
func (m *Metrics) RecordBlocked(module string) {
	if m == nil {
		return
	}
	m.BlockedTotal.WithLabelValues(module).Inc()
}

// RecordAutoApproval records a sweeper auto-approval.
func (m *Metrics) RecordAutoApproval(module string) {
	if m == nil {
		return
	}
	m.AutoApprovalsTotal.WithLabelValues(module).Inc()
}

// RecordResolution records an approver resolution.
func (m *Metrics) RecordResolution(approverType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "resolved"
	if !ok {
		outcome = "failed"
	}
	m.ResolutionsTotal.WithLabelValues(approverType, outcome).Inc()
}

// RecordSweep records a completed sweeper pass.
func (m *Metrics) RecordSweep(duration time.Duration, due int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.SweepDueInstances.Observe(float64(due))
}

// RecordSweepSkipped records a pass skipped for lack of the lease.
func (m *Metrics) RecordSweepSkipped() {
	if m == nil {
		return
	}
	m.SweepsSkipped.Inc()
}

// RecordNotification records a notification or event dispatch.
func (m *Metrics) RecordNotification(channel string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a dependency.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(dependency).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotentReplay records an action answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// SetTemplatesLoaded sets the number of templates in the store.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(count)
}

// RecordDirectoryReload records a static directory reload.
func (m *Metrics) RecordDirectoryReload(status string) {
	if m == nil {
		return
	}
	m.DirectoryReloadTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
