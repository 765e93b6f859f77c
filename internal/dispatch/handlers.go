package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

// Notifier delivers notification intents to employees.
type Notifier interface {
	Notify(ctx context.Context, intent model.SideEffectIntent) error
}

// Archiver copies an approved request to external document storage.
type Archiver interface {
	Archive(ctx context.Context, intent model.SideEffectIntent) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the notification with its payload redacted.
func (n LogNotifier) Notify(ctx context.Context, intent model.SideEffectIntent) error {
	orNop(observability.LoggerFrom(ctx, n.Logger)).Info("notification",
		append(observability.IntentFields(intent),
			zap.Any("payload", observability.RedactPayload(intent.Payload)))...,
	)
	return nil
}

// LogArchiver records archive requests in the log.
type LogArchiver struct {
	Logger *zap.Logger
}

// Archive logs the archive request.
func (a LogArchiver) Archive(ctx context.Context, intent model.SideEffectIntent) error {
	orNop(observability.LoggerFrom(ctx, a.Logger)).Info("request archived",
		append(observability.IntentFields(intent),
			zap.Any("payload", observability.RedactPayload(intent.Payload)))...,
	)
	return nil
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
