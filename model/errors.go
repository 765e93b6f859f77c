package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Approval-specific error codes.
const (
	ErrDuplicateApprover   = "DUPLICATE_APPROVER"
	ErrNotCurrentStep      = "NOT_CURRENT_STEP"
	ErrAlreadyDecided      = "ALREADY_DECIDED"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// Keys used in ErrorEnvelope.Context.
const (
	CtxRequestID       = "request_id"
	CtxStepOrder       = "step_order"
	CtxCurrentStep     = "current_step_order"
	CtxCurrentApprover = "current_approver_id"
	CtxStatus          = "status"
	CtxEmployeeID      = "employee_id"
	CtxRemainingDays   = "remaining_days"
	CtxRequestedDays   = "requested_days"
)

// ErrorEnvelope is the error value returned by every layer of the service and
// the body of every error response. Context carries the facts a client needs
// to explain a refusal (which step, whose turn, current status).
type ErrorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details []FieldError   `json:"details,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// With returns a copy of the envelope with key set in its context.
func (e *ErrorEnvelope) With(key string, value any) *ErrorEnvelope {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// IsConflict reports whether err is a lost optimistic-concurrency race.
// Conflicts are safe to retry immediately.
func IsConflict(err error) bool {
	return IsCode(err, ErrConflict)
}

// IsInvalidTransition reports whether err is one of the guard failures of a
// request transition: wrong actor, stale step or wrong request status.
func IsInvalidTransition(err error) bool {
	ee, ok := AsEnvelope(err)
	if !ok {
		return false
	}
	switch ee.Code {
	case ErrInvalidTransition, ErrNotCurrentStep, ErrForbidden:
		return true
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldError returns a VALIDATION_ERROR for a single field.
func NewFieldError(field, code, msg string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{Field: field, Code: code, Message: msg}})
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewDuplicateApproverError returns a DUPLICATE_APPROVER error naming the
// repeated approver.
func NewDuplicateApproverError(approverID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateApprover,
		Message: fmt.Sprintf("approver %q appears more than once in the chain", approverID),
		Details: []FieldError{{Field: "approver_ids", Code: "duplicate", Message: approverID}},
	}
}

// NewNotCurrentStepError returns a NOT_CURRENT_STEP error.
func NewNotCurrentStepError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotCurrentStep, Message: msg}
}

// NewAlreadyDecidedError returns an ALREADY_DECIDED error.
func NewAlreadyDecidedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyDecided, Message: msg}
}

// NewInsufficientBalanceError returns an INSUFFICIENT_BALANCE error carrying
// the remaining and requested day counts.
func NewInsufficientBalanceError(employeeID string, remaining, requested decimal.Decimal) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrInsufficientBalance,
		Message: fmt.Sprintf("employee %q has %s day(s) remaining, %s requested",
			employeeID, remaining.String(), requested.String()),
		Context: map[string]any{
			CtxEmployeeID:    employeeID,
			CtxRemainingDays: remaining.String(),
			CtxRequestedDays: requested.String(),
		},
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
