package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/workflow"
	"github.com/pitabwire/hrflow/model"
)

type submitRequestBody struct {
	Type        string          `json:"type" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	ApproverIDs []string        `json:"approver_ids" validate:"required,min=1,dive,required"`
}

type approveBody struct {
	Comment *string `json:"comment" validate:"omitempty,max=2000"`
}

type rejectBody struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type cancelBody struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type listResponse[T any] struct {
	Data   []T `json:"data"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type requestHandlers struct {
	engine *workflow.Engine
	logger *zap.Logger
}

func (h requestHandlers) submit(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var body submitRequestBody
	if err := decodeBody(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	payload, err := model.DecodePayloadAs(model.RequestType(body.Type), body.Payload)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	out, err := h.engine.Submit(r.Context(), rctx, workflow.SubmitInput{
		Type:        model.RequestType(body.Type),
		Payload:     payload,
		ApproverIDs: body.ApproverIDs,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, out)
}

func (h requestHandlers) get(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	detail, err := h.engine.Get(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

func (h requestHandlers) history(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	events, err := h.engine.History(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.RequestEvent]{Data: events})
}

func (h requestHandlers) approve(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var body approveBody
	if err := decodeBody(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}
	out, err := h.engine.ApproveStep(r.Context(), rctx, chi.URLParam(r, "id"), body.Comment)
	h.writeOutcome(w, r, out, err)
}

func (h requestHandlers) reject(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var body rejectBody
	if err := decodeBody(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	out, err := h.engine.RejectStep(r.Context(), rctx, chi.URLParam(r, "id"), body.Reason)
	h.writeOutcome(w, r, out, err)
}

func (h requestHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if err := decodeBody(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}
	out, err := h.engine.Cancel(r.Context(), rctx, chi.URLParam(r, "id"), body.Reason)
	h.writeOutcome(w, r, out, err)
}

func (h requestHandlers) inbox(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	reqs, err := h.engine.ListInbox(r.Context(), rctx, limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.Request]{Data: reqs, Limit: limit, Offset: offset})
}

// list serves GET /v1/requests. Only the caller's own requests can be
// listed; mine defaults to true.
func (h requestHandlers) list(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if mine := q.Get("mine"); mine != "" && mine != "true" {
		WriteError(w, model.NewBadRequestError("only the caller's own requests can be listed; use /v1/inbox for approvals"))
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	filters := model.RequestFilters{
		Status: model.RequestStatus(q.Get("status")),
		Type:   model.RequestType(q.Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	if filters.Type != "" && !filters.Type.Valid() {
		WriteError(w, model.NewFieldError("type", "oneof", "unknown request type"))
		return
	}

	reqs, err := h.engine.ListMine(r.Context(), rctx, filters)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.Request]{Data: reqs, Limit: limit, Offset: offset})
}

// writeOutcome writes the result of a decision. A repeated decision is a
// success that changed nothing.
func (h requestHandlers) writeOutcome(w http.ResponseWriter, r *http.Request, out workflow.Outcome, err error) {
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// --- shared helpers ---

func callerFrom(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody decodes a JSON body into dst and validates its tags. When
// optional is set an empty body leaves dst at its zero value.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	if err := model.Validator().Struct(dst); err != nil {
		return model.NewValidationError(model.FieldErrors(err))
	}
	return nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = queryInt(q.Get("limit")); err != nil || limit < 0 {
		return 0, 0, model.NewFieldError("limit", "numeric", "limit must be a non-negative integer")
	}
	if offset, err = queryInt(q.Get("offset")); err != nil || offset < 0 {
		return 0, 0, model.NewFieldError("offset", "numeric", "offset must be a non-negative integer")
	}
	return limit, offset, nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
