package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists the dependencies checked by /ready. Store is always
// checked; the rest only when set. A failing required dependency makes the
// instance not ready. The idempotency store is advisory: requests pass
// through without replay protection while it is down, so its failure only
// degrades the instance.
type ReadinessChecks struct {
	Store            HealthChecker
	PolicyEngine     HealthChecker
	Consumer         HealthChecker
	IdempotencyStore HealthChecker
}

type dependency struct {
	name     string
	required bool
	checker  HealthChecker
}

func (c ReadinessChecks) dependencies() []dependency {
	candidates := []dependency{
		{"policy_engine", true, c.PolicyEngine},
		{"consumer", true, c.Consumer},
		{"idempotency_store", false, c.IdempotencyStore},
	}
	deps := []dependency{{"store", true, c.Store}}
	for _, p := range candidates {
		if p.checker != nil {
			deps = append(deps, p)
		}
	}
	return deps
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves the readiness endpoint. Checks run concurrently, each
// bounded by checkTimeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps := checks.dependencies()
		results := make(map[string]CheckResult, len(deps))

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range deps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), p)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == "ok" {
				continue
			}
			if res.Required {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}

		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, p dependency) CheckResult {
	res := CheckResult{Status: "ok", Required: p.required}
	if p.checker == nil {
		res.Status, res.Error = "error", "not configured"
		return res
	}

	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.checker.HealthCheck(ctx)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
