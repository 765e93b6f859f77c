package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/model"
)

const (
	tracerName  = "github.com/pitabwire/hrflow"
	serviceName = "hrflow"
)

// Span attribute keys.
var (
	AttrRequestID     = attribute.Key("hrflow.request_id")
	AttrRequestType   = attribute.Key("hrflow.request_type")
	AttrRequestStatus = attribute.Key("hrflow.request_status")
	AttrSubjectID     = attribute.Key("hrflow.subject_id")
	AttrStepOrder     = attribute.Key("hrflow.step_order")
	AttrEmployeeID    = attribute.Key("hrflow.employee_id")
	AttrIntentKind    = attribute.Key("hrflow.intent_kind")
	AttrIntentID      = attribute.Key("hrflow.intent_id")
	AttrErrorCode     = attribute.Key("hrflow.error_code")
	AttrCacheHit      = attribute.Key("hrflow.cache_hit")
	AttrCorrelationID = attribute.Key("hrflow.correlation_id")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned shutdown flushes pending spans; it is a no-op when tracing is off.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		// stdout carries the JSON log stream.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at the configured rate, clamped to (0, 1]
// with 0.1 as the default, and follows the parent otherwise.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RequestAttrs describes a request on a span.
func RequestAttrs(req model.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrRequestID.String(req.ID),
		AttrRequestType.String(string(req.Type)),
		AttrRequestStatus.String(string(req.Status)),
	}
	if req.CurrentStepOrder != nil {
		attrs = append(attrs, AttrStepOrder.Int(*req.CurrentStepOrder))
	}
	return attrs
}

// IntentAttrs describes a side-effect intent on a span.
func IntentAttrs(in model.SideEffectIntent) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentID.String(in.ID),
		AttrIntentKind.String(string(in.Kind)),
		AttrRequestID.String(in.RequestID),
	}
}

// EndSpanWithError ends span. Coded business rejections (a refused
// transition, a lost race, an overdrawn balance) are tagged with their code
// and recorded as events; only internal failures mark the span as errored.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	ee, coded := model.AsEnvelope(err)
	if coded {
		span.SetAttributes(AttrErrorCode.String(ee.Code))
	}
	if coded && ee.Code != model.ErrInternalError {
		span.AddEvent("rejected", trace.WithAttributes(AttrErrorCode.String(ee.Code)))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing any inbound
// traceparent, and echoes the trace context on the response. The
// correlation id set by the inner router is copied onto the span.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &spanStatusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if id := w.Header().Get("X-Correlation-Id"); id != "" {
			span.SetAttributes(AttrCorrelationID.String(id))
		}
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceCarrier writes the trace context into message metadata.
func InjectTraceCarrier(ctx context.Context, carrier map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// ExtractTraceCarrier continues the trace found in message metadata.
func ExtractTraceCarrier(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

type spanStatusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *spanStatusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *spanStatusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
