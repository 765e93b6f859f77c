// Package integration provides a reusable test harness for end-to-end
// testing of the hrflow service. It starts the full HTTP stack with an
// in-memory store, a test JWT issuer, and the in-process intent dispatcher.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
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
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/capability"
	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/dispatch"
	"github.com/pitabwire/hrflow/internal/idempotency"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/internal/transport"
	"github.com/pitabwire/hrflow/internal/workflow"
	"github.com/pitabwire/hrflow/model"
)

// TestHarness encapsulates a fully wired hrflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store            *workflow.MemoryStore
	Engine           *workflow.Engine
	IdempotencyStore *idempotency.MemoryStore
	CapResolver      *capability.Resolver
	Relay            *dispatch.Relay
	Metrics          *observability.Metrics
	Registry         *prometheus.Registry
	Effects          *RecordingEffects

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy        config.PolicyConfig
	noIdempotency bool
}

// WithEnginePolicy overrides the engine's business rules.
func WithEnginePolicy(fn func(*config.PolicyConfig)) HarnessOption {
	return func(c *harnessConfig) {
		fn(&c.policy)
	}
}

// WithoutIdempotency serves the API without the idempotency middleware.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.noIdempotency = true
	}
}

// RecordingEffects stands in for the notification and archive providers and
// remembers every intent handed to them.
type RecordingEffects struct {
	mu       sync.Mutex
	notified []model.SideEffectIntent
	archived []model.SideEffectIntent
}

// Notify records a notification intent.
func (e *RecordingEffects) Notify(_ context.Context, in model.SideEffectIntent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notified = append(e.notified, in)
	return nil
}

// Archive records an archive intent.
func (e *RecordingEffects) Archive(_ context.Context, in model.SideEffectIntent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archived = append(e.archived, in)
	return nil
}

// Notified returns the notification intents received for requestID.
func (e *RecordingEffects) Notified(requestID string) []model.SideEffectIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.SideEffectIntent
	for _, in := range e.notified {
		if in.RequestID == requestID {
			out = append(out, in)
		}
	}
	return out
}

// Archived returns the archive intents received for requestID.
func (e *RecordingEffects) Archived(requestID string) []model.SideEffectIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.SideEffectIntent
	for _, in := range e.archived {
		if in.RequestID == requestID {
			out = append(out, in)
		}
	}
	return out
}

// NewTestHarness creates and starts a full hrflow test instance. The server
// and the dispatcher are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policy: config.Defaults().Workflow.Policy,
	}
	for _, opt := range opts {
		opt(hc)
	}

	// The consumer outlives the test body, so it must not log to t.
	logger := zap.NewNop()

	h := &TestHarness{
		t:        t,
		Registry: prometheus.NewRegistry(),
		Effects:  &RecordingEffects{},
	}
	h.Metrics = observability.InitMetrics(h.Registry)

	// Capability resolver without caching, so policy changes apply at once.
	evaluator, err := capability.NewStaticPolicyEvaluator(filepath.Join(testdataDir(), "policies.yaml"))
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0, capability.WithMetrics(h.Metrics))

	h.Store = workflow.NewMemoryStore()
	h.IdempotencyStore = idempotency.NewMemoryStore()

	h.Engine = workflow.NewEngine(h.Store, h.CapResolver,
		workflow.WithPolicy(workflow.Policy{
			AllowNegativeBalance:       hc.policy.AllowNegativeBalance,
			OverrideCapability:         hc.policy.OverrideCapability,
			CancelAfterPartialApproval: hc.policy.CancelAfterPartialApproval,
			CancelAfterFinalApproval:   hc.policy.CancelAfterFinalApproval,
			CancelAnyCapability:        hc.policy.CancelAnyCapability,
			MaxApprovers:               hc.policy.MaxApprovers,
		}),
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
	)

	// In-process dispatch. The relay is driven by the test through Dispatch
	// rather than by the cron scheduler.
	dispatchCfg := config.Defaults().Dispatch
	publisher, subscriber, err := dispatch.NewPubSub(dispatchCfg, dispatch.NewLoggerAdapter(logger))
	if err != nil {
		t.Fatalf("create pubsub: %v", err)
	}
	consumer, err := dispatch.NewConsumer(subscriber, dispatchCfg.Topic, config.ConsumerRetry{},
		dispatch.Handlers{
			Notifier: h.Effects,
			Archiver: h.Effects,
			Recorder: h.Engine,
			Deduper:  dispatch.NewMemoryDeduper(time.Hour),
		}, logger, h.Metrics)
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	go func() {
		_ = consumer.Run(consumerCtx)
	}()
	select {
	case <-consumer.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("intent consumer did not start")
	}
	h.Relay = dispatch.NewRelay(h.Store, publisher, dispatchCfg.Topic, dispatchCfg.BatchSize, logger, h.Metrics)

	h.issuer = newTokenIssuer(t)

	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: 10 * time.Second,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.Issuer(),
			Audience:   h.issuer.Audience(),
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "realm_access.roles",
			},
		},
		Idempotency: config.IdempotencyConfig{
			Enabled: !hc.noIdempotency,
			Store: config.IdempotencyStoreConfig{
				DefaultTTL: time.Hour,
			},
		},
	}

	var idemStore idempotency.Store
	if !hc.noIdempotency {
		idemStore = h.IdempotencyStore
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:           h.cfg,
		Logger:           logger,
		Metrics:          h.Metrics,
		Authenticate:     transport.JWTAuthenticator(h.cfg.Identity, jwks, logger),
		Engine:           h.Engine,
		IdempotencyStore: idemStore,
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			Store:            observability.CheckFunc(h.Store.Ping),
			IdempotencyStore: observability.CheckFunc(h.IdempotencyStore.Ping),
			Consumer: observability.CheckFunc(func(context.Context) error {
				select {
				case <-consumer.Running():
					return nil
				default:
					return fmt.Errorf("consumer not running")
				}
			}),
		}),
		MetricsHandler: observability.HandlerFor(h.Registry),
	})

	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(func() {
		h.server.Close()
		_ = consumer.Close()
		consumerCancel()
		_ = publisher.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Dispatch drains the outbox through the relay. Handling is asynchronous;
// use WaitFor to observe its effects.
func (h *TestHarness) Dispatch() int {
	h.t.Helper()
	n, err := h.Relay.Drain(context.Background())
	if err != nil {
		h.t.Fatalf("drain outbox: %v", err)
	}
	return n
}

// WaitFor polls cond until it holds or the timeout passes.
func (h *TestHarness) WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// Do sends a prepared request with the harness client.
func (h *TestHarness) Do(req *http.Request) *http.Response {
	h.t.Helper()
	resp, err := httpClient().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	return resp
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
	return h.Do(req)
}

func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// EmployeeClaims returns TestClaims for an ordinary employee.
func EmployeeClaims(id string) TestClaims {
	return TestClaims{
		SubjectID: id,
		Email:     id + "@corp.example.com",
		Roles:     []string{"employee"},
	}
}

// HRAdminClaims returns TestClaims for an HR administrator.
func HRAdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "hr-admin",
		Email:     "hr-admin@corp.example.com",
		Roles:     []string{"hr_admin"},
	}
}

// HRViewerClaims returns TestClaims for a read-only HR user.
func HRViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "hr-viewer",
		Email:     "hr-viewer@corp.example.com",
		Roles:     []string{"hr_viewer"},
	}
}

// --- Fixtures ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// LeaveRequest returns a submit body for an annual leave of days days.
func LeaveRequest(days string, approvers ...string) map[string]any {
	return map[string]any{
		"type": "leave",
		"payload": map[string]any{
			"leave_type": "annual",
			"start_date": "2026-11-02",
			"end_date":   "2026-11-06",
			"days_count": days,
		},
		"approver_ids": approvers,
	}
}

// ExpenseRequest returns a submit body for an expense claim.
func ExpenseRequest(amount string, approvers ...string) map[string]any {
	return map[string]any{
		"type": "expense",
		"payload": map[string]any{
			"category":    "travel",
			"amount":      amount,
			"currency":    "EUR",
			"description": "client visit",
		},
		"approver_ids": approvers,
	}
}

// Outcome is the body of a mutating request endpoint.
type Outcome struct {
	Request        model.Request            `json:"request"`
	Steps          []model.ApprovalStep     `json:"steps"`
	Intents        []model.SideEffectIntent `json:"intents"`
	AlreadyDecided bool                     `json:"already_decided"`
}

// Grant credits days to employeeID as the HR admin and fails the test on
// error.
func (h *TestHarness) Grant(t *testing.T, employeeID, days string) {
	t.Helper()
	resp := h.POST("/v1/balances/"+employeeID+"/grants",
		map[string]any{"days": days, "reason": "annual allowance"},
		h.GenerateToken(HRAdminClaims()))
	h.AssertStatus(t, resp, http.StatusCreated)
}

// Submit files body as subjectID and returns the outcome.
func (h *TestHarness) Submit(t *testing.T, subjectID string, body map[string]any) Outcome {
	t.Helper()
	var out Outcome
	h.AssertJSON(t, h.POST("/v1/requests", body, h.GenerateToken(EmployeeClaims(subjectID))), http.StatusCreated, &out)
	return out
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
