package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for hrflow. Every recording
// helper is a no-op on a nil *Metrics, so components can be built without
// metrics in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Approval metrics
	SubmissionsTotal     *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	CompletionsTotal     *prometheus.CounterVec
	TransitionDuration   *prometheus.HistogramVec
	ConflictsTotal       *prometheus.CounterVec
	RejectedCommandTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerMutationsTotal *prometheus.CounterVec
	LedgerDaysTotal      *prometheus.CounterVec

	// Outbox and consumer metrics
	OutboxPublishedTotal  *prometheus.CounterVec
	OutboxPublishFailures prometheus.Counter
	OutboxBatchSize       prometheus.Histogram
	IntentsHandledTotal   *prometheus.CounterVec
	IntentHandleDuration  *prometheus.HistogramVec
	IntentDuplicatesTotal *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Approvals
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_submissions_total",
			Help: "Total number of submitted requests.",
		}, []string{"type"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_decisions_total",
			Help: "Total number of committed request transitions.",
		}, []string{"type", "event"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_completions_total",
			Help: "Total number of requests that reached a final status.",
		}, []string{"type", "final_status"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrflow_transition_duration_seconds",
			Help:    "Duration of engine operations in seconds, including the store commit.",
			Buckets: transitionDurationBuckets,
		}, []string{"operation"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"operation"}),
		RejectedCommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_rejected_commands_total",
			Help: "Total number of engine operations refused by a business rule.",
		}, []string{"operation", "code"}),

		// Ledger
		LedgerMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_ledger_mutations_total",
			Help: "Total number of balance mutations.",
		}, []string{"kind"}),
		LedgerDaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_ledger_days_total",
			Help: "Total number of days moved by balance mutations.",
		}, []string{"kind"}),

		// Outbox and consumers
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_outbox_published_total",
			Help: "Total number of intents published from the outbox.",
		}, []string{"kind"}),
		OutboxPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrflow_outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts.",
		}),
		OutboxBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hrflow_outbox_batch_size",
			Help:    "Number of pending intents picked up per relay run.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		IntentsHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_intents_handled_total",
			Help: "Total number of intents handled by consumers.",
		}, []string{"kind", "status"}),
		IntentHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrflow_intent_handle_duration_seconds",
			Help:    "Intent handling duration in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"kind"}),
		IntentDuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrflow_intent_duplicates_total",
			Help: "Total number of redelivered intents skipped by deduplication.",
		}, []string{"kind"}),

		// Caches
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrflow_capability_cache_hits_total",
			Help: "Total number of capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrflow_capability_cache_misses_total",
			Help: "Total number of capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrflow_idempotency_replays_total",
			Help: "Total number of responses replayed for a repeated idempotency key.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.SubmissionsTotal,
		m.DecisionsTotal,
		m.CompletionsTotal,
		m.TransitionDuration,
		m.ConflictsTotal,
		m.RejectedCommandTotal,
		m.LedgerMutationsTotal,
		m.LedgerDaysTotal,
		m.OutboxPublishedTotal,
		m.OutboxPublishFailures,
		m.OutboxBatchSize,
		m.IntentsHandledTotal,
		m.IntentHandleDuration,
		m.IntentDuplicatesTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
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

// RecordSubmission records a submitted request.
func (m *Metrics) RecordSubmission(requestType string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(requestType).Inc()
}

// RecordDecision records a committed transition. Transitions that end the
// approval (approved, rejected, cancelled) also count as completions.
func (m *Metrics) RecordDecision(requestType, event, finalStatus string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(requestType, event).Inc()
	if finalStatus != "" {
		m.CompletionsTotal.WithLabelValues(requestType, finalStatus).Inc()
	}
}

// RecordTransition records the duration of an engine operation and, when it
// failed on a business rule or a lost race, the reason.
func (m *Metrics) RecordTransition(operation string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	m.TransitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	switch code {
	case "":
	case "CONFLICT":
		m.ConflictsTotal.WithLabelValues(operation).Inc()
	default:
		m.RejectedCommandTotal.WithLabelValues(operation, code).Inc()
	}
}

// RecordLedgerMutation records a balance mutation of the given kind.
func (m *Metrics) RecordLedgerMutation(kind string, days float64) {
	if m == nil {
		return
	}
	m.LedgerMutationsTotal.WithLabelValues(kind).Inc()
	m.LedgerDaysTotal.WithLabelValues(kind).Add(days)
}

// RecordOutboxBatch records how many intents a relay run picked up.
func (m *Metrics) RecordOutboxBatch(size int) {
	if m == nil {
		return
	}
	m.OutboxBatchSize.Observe(float64(size))
}

// RecordOutboxPublished records a published intent.
func (m *Metrics) RecordOutboxPublished(kind string) {
	if m == nil {
		return
	}
	m.OutboxPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordOutboxPublishFailure records a failed publish attempt.
func (m *Metrics) RecordOutboxPublishFailure() {
	if m == nil {
		return
	}
	m.OutboxPublishFailures.Inc()
}

// RecordIntentHandled records a consumer handling an intent.
func (m *Metrics) RecordIntentHandled(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IntentsHandledTotal.WithLabelValues(kind, status).Inc()
	m.IntentHandleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordIntentDuplicate records a redelivered intent that was skipped.
func (m *Metrics) RecordIntentDuplicate(kind string) {
	if m == nil {
		return
	}
	m.IntentDuplicatesTotal.WithLabelValues(kind).Inc()
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

// RecordIdempotencyReplay records a replayed idempotent response.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a private registry.
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
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
