package model

import "time"

// IntentKind names a downstream action requested by a transition.
type IntentKind string

// Intent kinds.
const (
	IntentNotifyApprover          IntentKind = "notifyApprover"
	IntentNotifyRequesterComplete IntentKind = "notifyRequesterComplete"
	IntentNotifyRequesterRejected IntentKind = "notifyRequesterRejected"
	IntentArchiveToExternalStore  IntentKind = "archiveToExternalStorage"
)

// SideEffectIntent is an immutable instruction for the dispatcher. It is
// produced inside a transition and executed after the transition commits, at
// least once; consumers deduplicate on ID.
type SideEffectIntent struct {
	ID               string         `json:"id"`
	Kind             IntentKind     `json:"kind"`
	RequestID        string         `json:"request_id"`
	TargetEmployeeID string         `json:"target_employee_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
