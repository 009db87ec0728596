package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	upstreamDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec
	AuthzDuration       *prometheus.HistogramVec
	PolicyReloadTotal   *prometheus.CounterVec

	// Queue metrics
	ProjectionTasksTotal  *prometheus.CounterVec
	QueueTransitionsTotal *prometheus.CounterVec
	TaskCompletionsTotal  *prometheus.CounterVec
	ConsistencyWarnings   *prometheus.CounterVec

	// Upstream metrics
	UpstreamRequestsTotal       *prometheus.CounterVec
	UpstreamRequestDuration     *prometheus.HistogramVec
	UpstreamCircuitBreakerState *prometheus.GaugeVec
	UpstreamRetriesTotal        *prometheus.CounterVec

	// Cache metrics
	PrincipalCacheHitsTotal   prometheus.Counter
	PrincipalCacheMissesTotal prometheus.Counter

	// Side-channel metrics
	IdempotencyReplaysTotal *prometheus.CounterVec
	EventsPublishedTotal    *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Authorization
		AuthzDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_authz_decisions_total",
			Help: "Total number of authorization decisions.",
		}, []string{"action", "outcome", "stage"}),
		AuthzDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_authz_duration_seconds",
			Help:    "Authorization check duration in seconds, including context assembly.",
			Buckets: upstreamDurationBuckets,
		}, []string{"action"}),
		PolicyReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_policy_reload_total",
			Help: "Total static policy reloads.",
		}, []string{"status"}),

		// Queue
		ProjectionTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_projection_tasks_total",
			Help: "Engine tasks seen by the projector, by outcome.",
		}, []string{"process_definition_key", "outcome"}),
		QueueTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_queue_transitions_total",
			Help: "Queue task state transitions, by outcome.",
		}, []string{"transition", "outcome"}),
		TaskCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_task_completions_total",
			Help: "Task completions, by result status.",
		}, []string{"process_definition_key", "status"}),
		ConsistencyWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_consistency_warnings_total",
			Help: "Engine and queue divergences detected after a two-step write.",
		}, []string{"operation"}),

		// Upstream
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_upstream_requests_total",
			Help: "Total number of upstream requests.",
		}, []string{"upstream", "method", "status"}),
		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds.",
			Buckets: upstreamDurationBuckets,
		}, []string{"upstream"}),
		UpstreamCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskgate_upstream_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"upstream"}),
		UpstreamRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_upstream_retries_total",
			Help: "Total number of upstream request retries.",
		}, []string{"upstream"}),

		// Cache
		PrincipalCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgate_principal_cache_hits_total",
			Help: "Total principal cache hits.",
		}),
		PrincipalCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgate_principal_cache_misses_total",
			Help: "Total principal cache misses.",
		}),

		// Side channels
		IdempotencyReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_idempotency_replays_total",
			Help: "Requests answered from the idempotency store.",
		}, []string{"operation"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_events_published_total",
			Help: "Task lifecycle events published, by status.",
		}, []string{"event_type", "status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Authorization
		m.AuthzDecisionsTotal,
		m.AuthzDuration,
		m.PolicyReloadTotal,
		// Queue
		m.ProjectionTasksTotal,
		m.QueueTransitionsTotal,
		m.TaskCompletionsTotal,
		m.ConsistencyWarnings,
		// Upstream
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.UpstreamCircuitBreakerState,
		m.UpstreamRetriesTotal,
		// Cache
		m.PrincipalCacheHitsTotal,
		m.PrincipalCacheMissesTotal,
		// Side channels
		m.IdempotencyReplaysTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordAuthzDecision records an authorization decision. Stage is empty for
// allowed decisions.
func (m *Metrics) RecordAuthzDecision(action, outcome, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(action, outcome, stage).Inc()
	m.AuthzDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordPolicyReload records a static policy reload.
func (m *Metrics) RecordPolicyReload(status string) {
	if m == nil {
		return
	}
	m.PolicyReloadTotal.WithLabelValues(status).Inc()
}

// RecordProjection records the outcome for one engine task seen by the
// projector.
func (m *Metrics) RecordProjection(processDefinitionKey, outcome string) {
	if m == nil {
		return
	}
	m.ProjectionTasksTotal.WithLabelValues(processDefinitionKey, outcome).Inc()
}

// RecordQueueTransition records a claim, unclaim or complete attempt.
func (m *Metrics) RecordQueueTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.QueueTransitionsTotal.WithLabelValues(transition, outcome).Inc()
}

// RecordTaskCompletion records a task completion result.
func (m *Metrics) RecordTaskCompletion(processDefinitionKey, status string) {
	if m == nil {
		return
	}
	m.TaskCompletionsTotal.WithLabelValues(processDefinitionKey, status).Inc()
}

// RecordConsistencyWarning records an engine/queue divergence.
func (m *Metrics) RecordConsistencyWarning(operation string) {
	if m == nil {
		return
	}
	m.ConsistencyWarnings.WithLabelValues(operation).Inc()
}

// RecordUpstreamRequest records an upstream request.
func (m *Metrics) RecordUpstreamRequest(upstream, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(upstream).Observe(duration.Seconds())
}

// SetUpstreamCircuitBreakerState sets the circuit breaker state for an
// upstream. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetUpstreamCircuitBreakerState(upstream string, state float64) {
	if m == nil {
		return
	}
	m.UpstreamCircuitBreakerState.WithLabelValues(upstream).Set(state)
}

// RecordUpstreamRetry records an upstream request retry.
func (m *Metrics) RecordUpstreamRetry(upstream string) {
	if m == nil {
		return
	}
	m.UpstreamRetriesTotal.WithLabelValues(upstream).Inc()
}

// RecordPrincipalCacheHit records a principal cache hit.
func (m *Metrics) RecordPrincipalCacheHit() {
	if m == nil {
		return
	}
	m.PrincipalCacheHitsTotal.Inc()
}

// RecordPrincipalCacheMiss records a principal cache miss.
func (m *Metrics) RecordPrincipalCacheMiss() {
	if m == nil {
		return
	}
	m.PrincipalCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a replayed response.
func (m *Metrics) RecordIdempotencyReplay(operation string) {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.WithLabelValues(operation).Inc()
}

// RecordEventPublished records a lifecycle event publish attempt.
func (m *Metrics) RecordEventPublished(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// MetricsMiddleware records request count, latency and body sizes labelled
// by chi route pattern rather than raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		reqSize := max(int(r.ContentLength), 0)
		m.RecordHTTPRequest(r.Method, routePattern(r), writtenStatus(ww), time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// writtenStatus is the status a wrapped handler sent, 200 when it only wrote a
// body or nothing at all.
func writtenStatus(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}
