package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

// Outbox is the part of the store the relay reads from.
type Outbox interface {
	PendingIntents(ctx context.Context, limit int) ([]model.SideEffectIntent, error)
	MarkIntentsDispatched(ctx context.Context, ids []string, at time.Time) error
}

// Relay publishes pending outbox intents. Delivery is at least once: an
// intent published but not yet marked is published again on the next run,
// and consumers drop the repeat by intent id.
type Relay struct {
	outbox    Outbox
	publisher message.Publisher
	topic     string
	batchSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewRelay creates a relay publishing on topic in batches of batchSize.
func NewRelay(outbox Outbox, publisher message.Publisher, topic string, batchSize int, logger *zap.Logger, metrics *observability.Metrics) *Relay {
	if topic == "" {
		topic = DefaultTopic
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		topic:     topic,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunOnce publishes one batch and returns how many intents were marked
// dispatched. Publishing stops at the first failure; the intents already
// published are still marked, the rest stay pending for the next run.
func (r *Relay) RunOnce(ctx context.Context) (n int, err error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.relay")
	defer func() { observability.EndSpanWithError(span, err) }()

	intents, err := r.outbox.PendingIntents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("relay: load pending intents: %w", err)
	}
	r.metrics.RecordOutboxBatch(len(intents))
	if len(intents) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(intents))
	var publishErr error
	for _, in := range intents {
		msg, err := NewIntentMessage(ctx, in)
		if err != nil {
			publishErr = err
			break
		}
		if err := r.publisher.Publish(r.topic, msg); err != nil {
			publishErr = fmt.Errorf("relay: publish intent %s: %w", in.ID, err)
			break
		}
		published = append(published, in.ID)
		r.metrics.RecordOutboxPublished(string(in.Kind))
	}

	if len(published) > 0 {
		if err := r.outbox.MarkIntentsDispatched(ctx, published, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("relay: mark %d intents dispatched: %w", len(published), err)
		}
	}

	if publishErr != nil {
		r.metrics.RecordOutboxPublishFailure()
		r.logger.Error("outbox publish failed",
			zap.Int("published", len(published)),
			zap.Int("pending", len(intents)-len(published)),
			zap.Error(publishErr),
		)
		return len(published), publishErr
	}

	r.logger.Info("outbox batch published",
		zap.String("topic", r.topic),
		zap.Int("count", len(published)),
	)
	return len(published), nil
}

// Drain runs RunOnce until the outbox is empty or a run fails.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
