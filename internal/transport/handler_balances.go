package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/workflow"
	"github.com/pitabwire/hrflow/model"
)

type grantBody struct {
	Days   decimal.Decimal `json:"days"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

type balanceHandlers struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// employeeParam resolves {employeeId}; "me" names the caller.
func employeeParam(r *http.Request, rctx *model.RequestContext) string {
	id := chi.URLParam(r, "employeeId")
	if id == "me" {
		return rctx.SubjectID
	}
	return id
}

func (h balanceHandlers) get(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	bal, err := h.engine.Balance(r.Context(), rctx, employeeParam(r, rctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, bal)
}

func (h balanceHandlers) entries(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	limit, _, err := pagination(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	entries, err := h.engine.LedgerEntries(r.Context(), rctx, employeeParam(r, rctx), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.LedgerEntry]{Data: entries, Limit: limit})
}

func (h balanceHandlers) grant(w http.ResponseWriter, r *http.Request) {
	rctx, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var body grantBody
	if err := decodeBody(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	if !body.Days.IsPositive() {
		WriteError(w, model.NewFieldError("days", "gt", "days must be greater than zero"))
		return
	}
	bal, err := h.engine.Grant(r.Context(), rctx, employeeParam(r, rctx), body.Days, body.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, bal)
}
