package model

import "time"

// StepStatus is the status of one approver's slot in a chain.
type StepStatus string

// Step statuses.
const (
	StepStatusWaiting  StepStatus = "waiting"
	StepStatusPending  StepStatus = "pending"
	StepStatusApproved StepStatus = "approved"
	StepStatusRejected StepStatus = "rejected"
)

// Decided reports whether the step carries an approver's decision.
func (s StepStatus) Decided() bool {
	return s == StepStatusApproved || s == StepStatusRejected
}

// ApprovalStep is one approver's slot in a request's chain. Steps are keyed
// by (RequestID, StepOrder); StepOrder is 1-based.
type ApprovalStep struct {
	RequestID  string     `json:"request_id"`
	StepOrder  int        `json:"step_order"`
	ApproverID string     `json:"approver_id"`
	Status     StepStatus `json:"status"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
}
