// Package dispatch delivers side-effect intents. The Relay moves intents from
// the store's outbox onto a watermill topic; the Consumer reads them back,
// drops duplicates and hands each one to a Notifier or an Archiver.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

// DefaultTopic is the topic intents are published on.
const DefaultTopic = "hrflow.intents"

// Message metadata keys.
const (
	MetaIntentKind = "intent_kind"
	MetaIntentID   = "intent_id"
	MetaRequestID  = "request_id"
)

// wireIntent is the published JSON shape of an intent.
type wireIntent struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	RequestID        string         `json:"requestId"`
	TargetEmployeeID string         `json:"targetEmployeeId,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// NewIntentMessage encodes an intent as a watermill message. The message
// uuid is the intent id, so a redelivered intent keeps its identity.
func NewIntentMessage(ctx context.Context, in model.SideEffectIntent) (*message.Message, error) {
	payload, err := json.Marshal(wireIntent{
		ID:               in.ID,
		Kind:             string(in.Kind),
		RequestID:        in.RequestID,
		TargetEmployeeID: in.TargetEmployeeID,
		Payload:          in.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode intent %s: %w", in.ID, err)
	}

	msg := message.NewMessage(in.ID, payload)
	msg.Metadata.Set(MetaIntentKind, string(in.Kind))
	msg.Metadata.Set(MetaIntentID, in.ID)
	msg.Metadata.Set(MetaRequestID, in.RequestID)
	observability.InjectTraceCarrier(ctx, msg.Metadata)
	msg.SetContext(ctx)
	return msg, nil
}

// DecodeIntent reads an intent back from a message.
func DecodeIntent(msg *message.Message) (model.SideEffectIntent, error) {
	var w wireIntent
	if err := json.Unmarshal(msg.Payload, &w); err != nil {
		return model.SideEffectIntent{}, fmt.Errorf("decode intent message %s: %w", msg.UUID, err)
	}
	if w.ID == "" {
		w.ID = msg.Metadata.Get(MetaIntentID)
	}
	if w.ID == "" || w.Kind == "" || w.RequestID == "" {
		return model.SideEffectIntent{}, fmt.Errorf("intent message %s: id, kind and requestId are required", msg.UUID)
	}
	return model.SideEffectIntent{
		ID:               w.ID,
		Kind:             model.IntentKind(w.Kind),
		RequestID:        w.RequestID,
		TargetEmployeeID: w.TargetEmployeeID,
		Payload:          w.Payload,
	}, nil
}
