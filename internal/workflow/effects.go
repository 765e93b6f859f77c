package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/hrflow/internal/ledger"
	"github.com/pitabwire/hrflow/model"
)

// EffectInput is what a TerminalEffect knows about the approval it reacts to.
type EffectInput struct {
	Request       model.Request
	ActorID       string
	AllowNegative bool
	At            time.Time
}

// TerminalEffect is the per-type reaction to a request reaching its final
// approval. Apply runs inside the approving transition; Revert runs when an
// approved request is cancelled. Both return the requester's balance after
// the change and the ledger entry recording it.
type TerminalEffect interface {
	Apply(in EffectInput, b model.Balance) (model.Balance, model.LedgerEntry, error)
	Revert(in EffectInput, b model.Balance) (model.Balance, model.LedgerEntry, error)
}

// LeaveDeduction deducts a leave request's day count from the requester's
// balance.
type LeaveDeduction struct{}

// Apply deducts the leave days, failing with INSUFFICIENT_BALANCE unless a
// negative balance is allowed.
func (LeaveDeduction) Apply(in EffectInput, b model.Balance) (model.Balance, model.LedgerEntry, error) {
	p, err := leavePayload(in.Request)
	if err != nil {
		return b, model.LedgerEntry{}, err
	}
	return ledger.DeductForApproval(b, ledger.Mutation{
		Days:      p.DaysCount,
		Reason:    fmt.Sprintf("%s leave %s..%s approved", p.LeaveType, p.StartDate, p.EndDate),
		RequestID: in.Request.ID,
		ActorID:   in.ActorID,
		At:        in.At,
	}, ledger.Policy{AllowNegative: in.AllowNegative})
}

// Revert gives the leave days back.
func (LeaveDeduction) Revert(in EffectInput, b model.Balance) (model.Balance, model.LedgerEntry, error) {
	p, err := leavePayload(in.Request)
	if err != nil {
		return b, model.LedgerEntry{}, err
	}
	return ledger.ReverseDeduction(b, ledger.Mutation{
		Days:      p.DaysCount,
		Reason:    fmt.Sprintf("%s leave %s..%s cancelled after approval", p.LeaveType, p.StartDate, p.EndDate),
		RequestID: in.Request.ID,
		ActorID:   in.ActorID,
		At:        in.At,
	})
}

func leavePayload(req model.Request) (model.LeavePayload, error) {
	switch p := req.Payload.(type) {
	case model.LeavePayload:
		return p, nil
	case *model.LeavePayload:
		return *p, nil
	default:
		return model.LeavePayload{}, fmt.Errorf("request %s: leave effect on %T payload", req.ID, req.Payload)
	}
}

// defaultEffects maps request types to their terminal effect. Types without
// an entry have no ledger effect.
func defaultEffects() map[model.RequestType]TerminalEffect {
	return map[model.RequestType]TerminalEffect{
		model.RequestTypeLeave: LeaveDeduction{},
	}
}
