package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestType names the kind of document being approved. It selects the
// payload variant and the effect applied on terminal approval.
type RequestType string

// Request types.
const (
	RequestTypeLeave    RequestType = "leave"
	RequestTypeOvertime RequestType = "overtime"
	RequestTypeExpense  RequestType = "expense"
	RequestTypeWelfare  RequestType = "welfare"
	RequestTypeGeneral  RequestType = "general"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeLeave, RequestTypeOvertime, RequestTypeExpense,
		RequestTypeWelfare, RequestTypeGeneral:
		return true
	}
	return false
}

// RequestStatus is the lifecycle status of a request.
type RequestStatus string

// Request statuses.
const (
	RequestStatusDraft     RequestStatus = "draft"
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusArchived  RequestStatus = "archived"
)

// Terminal reports whether no approval step may change any more.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected,
		RequestStatusCancelled, RequestStatusArchived:
		return true
	}
	return false
}

// Request is the aggregate root of an approval: one submitted document plus
// its position in the approval chain. CurrentStepOrder is nil whenever the
// request is not awaiting a decision.
type Request struct {
	ID               string        `json:"id"`
	Type             RequestType   `json:"type"`
	RequesterID      string        `json:"requester_id"`
	Status           RequestStatus `json:"status"`
	CurrentStepOrder *int          `json:"current_step_order"`
	Payload          Payload       `json:"-"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	DecidedAt        *time.Time    `json:"decided_at,omitempty"`
	ArchivedAt       *time.Time    `json:"archived_at,omitempty"`
}

type requestJSON Request

// MarshalJSON encodes the request with its payload as a typed envelope.
func (r Request) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if r.Payload != nil {
		b, err := EncodePayload(r.Payload)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	return json.Marshal(struct {
		requestJSON
		Payload json.RawMessage `json:"payload,omitempty"`
	}{requestJSON(r), payload})
}

// UnmarshalJSON decodes a request produced by MarshalJSON.
func (r *Request) UnmarshalJSON(data []byte) error {
	aux := struct {
		*requestJSON
		Payload json.RawMessage `json:"payload,omitempty"`
	}{requestJSON: (*requestJSON)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		r.Payload = nil
		return nil
	}
	p, err := DecodePayload(aux.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	r.Payload = p
	return nil
}

// RequestFilters narrows request listings.
type RequestFilters struct {
	RequesterID string
	ApproverID  string
	Status      RequestStatus
	Type        RequestType
	Limit       int
	Offset      int
}

// RequestDetail is a request together with its ordered approval steps.
type RequestDetail struct {
	Request Request        `json:"request"`
	Steps   []ApprovalStep `json:"steps"`
}
