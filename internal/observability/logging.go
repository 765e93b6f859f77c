package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/model"
)

type loggerKey struct{}

// NewLogger builds the service logger: JSON to stdout, ISO8601 timestamps,
// and the build version on every line. Unknown levels fall back to info.
//
// Level conventions:
//   - error: store or broker unavailable, 5xx responses
//   - warn:  4xx responses, lost version races, refused transitions
//   - info:  committed transitions, ledger mutations, relay runs
//   - debug: cache hits, intent payloads, duplicate deliveries
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build(zap.Fields(
		zap.String("service", "hrflow"),
		zap.String("version", Version),
	))
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	return enc
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's
// identity, correlation id and, when present, trace id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if len(rctx.Roles) > 0 {
		fields = append(fields, zap.Strings("roles", rctx.Roles))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// IntentFields identifies a side-effect intent in log lines.
func IntentFields(in model.SideEffectIntent) []zap.Field {
	fields := []zap.Field{
		zap.String("intent_id", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("request_id", in.RequestID),
	}
	if in.TargetEmployeeID != "" {
		fields = append(fields, zap.String("target_employee_id", in.TargetEmployeeID))
	}
	return fields
}

const redacted = "[REDACTED]"

// Redactor masks personal and credential fields in intent payloads before
// they are logged. Keys match case-insensitively, at any depth.
type Redactor struct {
	keys map[string]struct{}
}

var defaultRedactKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "bank_account", "iban", "national_id",
	"salary", "ssn", "medical_note", "diagnosis",
}

// NewRedactor masks the default keys plus extra.
func NewRedactor(extra ...string) Redactor {
	keys := make(map[string]struct{}, len(defaultRedactKeys)+len(extra))
	for _, k := range defaultRedactKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return Redactor{keys: keys}
}

var defaultRedactor = NewRedactor()

// RedactPayload masks the default keys.
func RedactPayload(body map[string]any) map[string]any {
	return defaultRedactor.Redact(body)
}

// Redact returns a masked copy of body. The input is not modified.
func (r Redactor) Redact(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if _, hit := r.keys[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Redact(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = r.value(item)
		}
		return items
	default:
		return v
	}
}
