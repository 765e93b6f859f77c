package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/idempotency"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/internal/workflow"
)

const maxRequestBodyBytes = 1 << 20

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config           *config.Config
	Logger           *zap.Logger
	Metrics          *observability.Metrics
	Authenticate     func(http.Handler) http.Handler
	Engine           *workflow.Engine
	IdempotencyStore idempotency.Store
	HealthHandler    http.Handler
	ReadyHandler     http.Handler
	MetricsHandler   http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Method(http.MethodGet, "/health", orDefault(deps.HealthHandler, observability.HandleHealth()))
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/ready", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem func(http.Handler) http.Handler = func(next http.Handler) http.Handler { return next }
	if cfg.Idempotency.Enabled && deps.IdempotencyStore != nil {
		idem = Idempotency(deps.IdempotencyStore, cfg.Idempotency.Store.DefaultTTL, deps.Metrics, logger)
	}

	requests := requestHandlers{engine: deps.Engine, logger: logger}
	balances := balanceHandlers{engine: deps.Engine, logger: logger}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(MaxBodySize(maxRequestBodyBytes))
		r.Use(RequestLogging(logger))

		r.With(idem).Post("/requests", requests.submit)
		r.Get("/requests", requests.list)
		r.Get("/requests/{id}", requests.get)
		r.Get("/requests/{id}/history", requests.history)
		r.With(idem).Post("/requests/{id}/approve", requests.approve)
		r.With(idem).Post("/requests/{id}/reject", requests.reject)
		r.With(idem).Post("/requests/{id}/cancel", requests.cancel)
		r.Get("/inbox", requests.inbox)

		r.Get("/balances/{employeeId}", balances.get)
		r.Get("/balances/{employeeId}/entries", balances.entries)
		r.With(idem).Post("/balances/{employeeId}/grants", balances.grant)
	})

	return r
}

func orDefault(h, fallback http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return fallback
}
