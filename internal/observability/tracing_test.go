package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/model"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter for the duration of the test.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "1.0.0")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{-3, "TraceIDRatioBased{0.1}"},
		{0.5, "TraceIDRatioBased{0.5}"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rate), func(t *testing.T) {
			desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
			if !strings.Contains(desc, tt.want) {
				t.Errorf("sampler = %q, want root %s", desc, tt.want)
			}
		})
	}
}

func TestRequestAttrs(t *testing.T) {
	exporter := setupTestTracer(t)

	step := 2
	_, span := StartSpan(context.Background(), "engine.approve", RequestAttrs(model.Request{
		ID:               "req-1",
		Type:             model.RequestTypeLeave,
		Status:           model.RequestStatusPending,
		CurrentStepOrder: &step,
	})...)
	span.End()

	attrs := spanAttrMap(onlySpan(t, exporter))
	want := map[string]string{
		"hrflow.request_id":     "req-1",
		"hrflow.request_type":   "leave",
		"hrflow.request_status": "pending",
		"hrflow.step_order":     "2",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestRequestAttrs_decidedRequestHasNoStep(t *testing.T) {
	for _, a := range RequestAttrs(model.Request{ID: "req-1", Status: model.RequestStatusApproved}) {
		if a.Key == AttrStepOrder {
			t.Error("approved request should not carry a step order")
		}
	}
}

func TestIntentAttrs(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "dispatch.handle", IntentAttrs(model.SideEffectIntent{
		ID:        "int-1",
		Kind:      model.IntentArchiveToExternalStore,
		RequestID: "req-9",
	})...)
	span.End()

	attrs := spanAttrMap(onlySpan(t, exporter))
	if attrs["hrflow.intent_id"] != "int-1" || attrs["hrflow.request_id"] != "req-9" {
		t.Errorf("attrs = %v", attrs)
	}
	if attrs["hrflow.intent_kind"] != string(model.IntentArchiveToExternalStore) {
		t.Errorf("hrflow.intent_kind = %q", attrs["hrflow.intent_kind"])
	}
}

func TestEndSpanWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantCode   string
	}{
		{"success", nil, codes.Unset, ""},
		{"uncoded failure", errors.New("connection refused"), codes.Error, ""},
		{"internal", model.NewInternalError(), codes.Error, model.ErrInternalError},
		{"not current step", model.NewNotCurrentStepError("step 2 is not current"), codes.Unset, model.ErrNotCurrentStep},
		{"lost race", model.NewConflictError("request changed"), codes.Unset, model.ErrConflict},
		{"wrapped rejection", fmt.Errorf("approve: %w", model.NewInvalidTransitionError("request is approved")), codes.Unset, model.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestTracer(t)

			_, span := StartSpan(context.Background(), "engine.approve")
			EndSpanWithError(span, tt.err)

			s := onlySpan(t, exporter)
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}
			if got := spanAttrMap(s)["hrflow.error_code"]; got != tt.wantCode {
				t.Errorf("hrflow.error_code = %q, want %q", got, tt.wantCode)
			}
			if tt.err != nil && len(s.Events) == 0 {
				t.Error("failure should leave an event on the span")
			}
		})
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", got)
	}

	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "trace.id")
	defer span.End()

	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext = %q, want %q", got, want)
	}
}

func TestTracingMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		status     int
		wantStatus codes.Code
	}{
		{"inbox", http.MethodGet, "/v1/inbox", http.StatusOK, codes.Unset},
		{"submit", http.MethodPost, "/v1/requests", http.StatusCreated, codes.Unset},
		{"refused approval", http.MethodPost, "/v1/requests/req-1/approve", http.StatusUnprocessableEntity, codes.Unset},
		{"store down", http.MethodPost, "/v1/requests/req-1/approve", http.StatusInternalServerError, codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestTracer(t)

			handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Correlation-Id", "corr-7")
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			s := onlySpan(t, exporter)
			if want := tt.method + " " + tt.path; s.Name != want {
				t.Errorf("span name = %q, want %q", s.Name, want)
			}
			if s.SpanKind != trace.SpanKindServer {
				t.Errorf("span kind = %v, want server", s.SpanKind)
			}
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}

			attrs := spanAttrMap(s)
			if attrs["http.response.status_code"] != fmt.Sprint(tt.status) {
				t.Errorf("http.response.status_code = %q, want %d", attrs["http.response.status_code"], tt.status)
			}
			if attrs["hrflow.correlation_id"] != "corr-7" {
				t.Errorf("hrflow.correlation_id = %q, want corr-7", attrs["hrflow.correlation_id"])
			}
			if rec.Header().Get("Traceparent") == "" {
				t.Error("response should carry Traceparent")
			}
		})
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/v1/balances/emp-1", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace id = %s, want %s", s.SpanContext.TraceID(), traceID)
	}
	if s.Parent.SpanID().String() != parentSpanID {
		t.Errorf("parent span id = %s, want %s", s.Parent.SpanID(), parentSpanID)
	}
	if _, ok := spanAttrMap(s)["hrflow.correlation_id"]; ok {
		t.Error("correlation id should be absent when the handler sets none")
	}
}

// An intent published by the relay carries the approval's trace to the
// consumer through message metadata.
func TestTraceCarrier_relayToConsumer(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, approve := StartSpan(context.Background(), "engine.approve")
	metadata := map[string]string{}
	InjectTraceCarrier(ctx, metadata)
	approve.End()

	if metadata["traceparent"] == "" {
		t.Fatal("traceparent missing from metadata")
	}

	consumerCtx := ExtractTraceCarrier(context.Background(), metadata)
	_, handle := StartSpan(consumerCtx, "dispatch.handle")
	handle.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("consumer span should join the approval trace")
	}
	if spans[1].Parent.SpanID() != spans[0].SpanContext.SpanID() {
		t.Error("consumer span should be a child of the approval span")
	}
}

func TestAttributeKeysArePrefixed(t *testing.T) {
	for _, k := range []string{
		string(AttrRequestID), string(AttrRequestType), string(AttrRequestStatus),
		string(AttrSubjectID), string(AttrStepOrder), string(AttrEmployeeID),
		string(AttrIntentKind), string(AttrIntentID), string(AttrErrorCode),
		string(AttrCacheHit), string(AttrCorrelationID),
	} {
		if len(k) <= len("hrflow.") || k[:7] != "hrflow." {
			t.Errorf("attribute key %q should carry the hrflow. prefix", k)
		}
	}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
