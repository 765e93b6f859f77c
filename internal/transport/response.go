// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the hrflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrDuplicateApprover:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:   http.StatusUnprocessableEntity,
	model.ErrNotCurrentStep:      http.StatusConflict,
	model.ErrAlreadyDecided:      http.StatusConflict,
	model.ErrInsufficientBalance: http.StatusUnprocessableEntity,
	model.ErrInternalError:       http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an error code, 500 for unknown
// codes.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500 so infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForCode(ee.Code), errorResponse{Error: ee})
}

// writeError is WriteError for handlers: it stamps the trace id and logs
// failures that are not business refusals.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.RequestLogger(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	}
	if traceID := observability.TraceIDFromContext(r.Context()); traceID != "" {
		cp := *ee
		cp.TraceID = traceID
		ee = &cp
	}
	WriteError(w, ee)
}
