package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/internal/workflow"
	"github.com/pitabwire/hrflow/model"
)

// ArchiveRecorder records that a request reached external storage.
// workflow.Engine implements it.
type ArchiveRecorder interface {
	RequestStatus(ctx context.Context, requestID string) (model.RequestStatus, error)
	MarkArchived(ctx context.Context, requestID string) (workflow.Outcome, error)
}

// Handlers are the collaborators an intent is handed to.
type Handlers struct {
	Notifier Notifier
	Archiver Archiver
	Recorder ArchiveRecorder
	Deduper  Deduper
}

// Consumer subscribes to the intent topic and handles each intent once.
// A handler error redelivers the intent with backoff; malformed messages and
// intents that can never succeed are logged and dropped.
type Consumer struct {
	router   *message.Router
	handlers Handlers
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewConsumer builds the watermill router for topic. Call Run to start it.
func NewConsumer(
	sub message.Subscriber,
	topic string,
	retry config.ConsumerRetry,
	h Handlers,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if h.Notifier == nil {
		h.Notifier = LogNotifier{Logger: logger}
	}
	if h.Archiver == nil {
		h.Archiver = LogArchiver{Logger: logger}
	}
	if h.Deduper == nil {
		h.Deduper = NewMemoryDeduper(24 * time.Hour)
	}
	if topic == "" {
		topic = DefaultTopic
	}

	wmLogger := NewLoggerAdapter(logger)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create router: %w", err)
	}

	c := &Consumer{router: router, handlers: h, logger: logger.Named("consumer"), metrics: metrics}

	router.AddMiddleware(
		middleware.Retry{
			MaxRetries:      retry.MaxRetries,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			Multiplier:      2,
			Logger:          wmLogger,
		}.Middleware,
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler("hrflow_intents", topic, sub, c.Handle)
	return c, nil
}

// Run blocks until ctx is cancelled or the router is closed.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once the router is consuming.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

// Close stops the router.
func (c *Consumer) Close() error {
	return c.router.Close()
}

// Handle processes one intent message.
func (c *Consumer) Handle(msg *message.Message) (err error) {
	ctx := observability.ExtractTraceCarrier(msg.Context(), msg.Metadata)

	intent, err := DecodeIntent(msg)
	if err != nil {
		c.logger.Error("dropping malformed intent message", zap.String("message_id", msg.UUID), zap.Error(err))
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "dispatch.handle", observability.IntentAttrs(intent)...)
	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			status = "error"
		}
		c.metrics.RecordIntentHandled(string(intent.Kind), status, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	logger := c.logger.With(observability.IntentFields(intent)...)
	ctx = observability.WithLogger(ctx, logger)

	state, err := c.handlers.Deduper.Claim(ctx, intent.ID)
	if err != nil {
		return fmt.Errorf("claim intent %s: %w", intent.ID, err)
	}
	switch state {
	case AlreadyDone:
		status = "duplicate"
		c.metrics.RecordIntentDuplicate(string(intent.Kind))
		logger.Debug("duplicate intent ignored")
		return nil
	case InFlight:
		// Nack so the broker redelivers once the other lease ends.
		return errIntentInFlight
	}

	// A panicking effect must not leave its lease behind; Recoverer turns
	// the panic into an error and the redelivery has to find the intent free.
	defer func() {
		if r := recover(); r != nil {
			c.release(ctx, logger, intent.ID)
			panic(r)
		}
	}()

	if err := c.dispatch(ctx, intent); err != nil {
		if permanent(err) {
			status = "dropped"
			logger.Warn("intent cannot be handled, dropping", zap.Error(err))
			c.complete(ctx, logger, intent.ID)
			return nil
		}
		c.release(ctx, logger, intent.ID)
		return err
	}
	c.complete(ctx, logger, intent.ID)
	return nil
}

var errIntentInFlight = errors.New("intent is being handled by another delivery")

// complete records the intent as done. The effect already happened, so a
// failure here is logged rather than redelivered.
func (c *Consumer) complete(ctx context.Context, logger *zap.Logger, id string) {
	if err := c.handlers.Deduper.Complete(ctx, id); err != nil {
		logger.Error("record intent done failed", zap.Error(err))
	}
}

func (c *Consumer) release(ctx context.Context, logger *zap.Logger, id string) {
	if err := c.handlers.Deduper.Release(ctx, id); err != nil {
		logger.Error("release intent claim failed", zap.Error(err))
	}
}

func (c *Consumer) dispatch(ctx context.Context, intent model.SideEffectIntent) error {
	switch intent.Kind {
	case model.IntentNotifyApprover, model.IntentNotifyRequesterComplete, model.IntentNotifyRequesterRejected:
		return c.handlers.Notifier.Notify(ctx, intent)

	case model.IntentArchiveToExternalStore:
		return c.archive(ctx, intent)

	default:
		return errUnknownKind{kind: intent.Kind}
	}
}

// archive copies an approved request to external storage and records it.
// Requests cancelled after approval are not copied.
func (c *Consumer) archive(ctx context.Context, intent model.SideEffectIntent) error {
	if c.handlers.Recorder != nil {
		status, err := c.handlers.Recorder.RequestStatus(ctx, intent.RequestID)
		if err != nil {
			return fmt.Errorf("load request %s: %w", intent.RequestID, err)
		}
		switch status {
		case model.RequestStatusApproved:
		case model.RequestStatusArchived:
			return nil
		default:
			return model.NewInvalidTransitionError(fmt.Sprintf("request %s is %s, not approved", intent.RequestID, status))
		}
	}

	if err := c.handlers.Archiver.Archive(ctx, intent); err != nil {
		return fmt.Errorf("archive request %s: %w", intent.RequestID, err)
	}
	if c.handlers.Recorder == nil {
		return nil
	}
	if _, err := c.handlers.Recorder.MarkArchived(ctx, intent.RequestID); err != nil {
		if permanent(err) {
			// Cancelled between the status check and the copy.
			observability.LoggerFrom(ctx, c.logger).Warn("request left approved state after archiving; external copy is orphaned",
				zap.Error(err))
		}
		return fmt.Errorf("mark request %s archived: %w", intent.RequestID, err)
	}
	return nil
}

type errUnknownKind struct {
	kind model.IntentKind
}

func (e errUnknownKind) Error() string {
	return fmt.Sprintf("unknown intent kind %q", e.kind)
}

// permanent reports whether retrying err can never succeed: an unknown
// kind, or a request whose state no longer allows the effect (for example
// cancelled after approval).
func permanent(err error) bool {
	if errors.As(err, new(errUnknownKind)) {
		return true
	}
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return false
	}
	switch ee.Code {
	case model.ErrInvalidTransition, model.ErrNotFound:
		return true
	}
	return false
}
