package model

import "time"

// Request event names recorded in the audit trail.
const (
	EventSubmitted    = "submitted"
	EventStepApproved = "step_approved"
	EventStepRejected = "step_rejected"
	EventApproved     = "approved"
	EventCancelled    = "cancelled"
	EventArchived     = "archived"
)

// RequestEvent is one entry in a request's audit trail.
type RequestEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	StepOrder *int      `json:"step_order,omitempty"`
	Event     string    `json:"event"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
