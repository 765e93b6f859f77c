package document

import (
	"fmt"
	"time"

	"github.com/pitabwire/hrflow/model"
)

// Machine owns the lifecycle status of one request and is the only code that
// moves its approval chain. Guards are evaluated before anything changes, so
// a failed transition leaves the machine untouched.
type Machine struct {
	req   model.Request
	chain *Chain
}

// Result describes a successful transition. Changed lists the steps that the
// transition modified; Intents carry no ID or timestamp yet, the caller
// stamps them.
type Result struct {
	From      model.RequestStatus
	To        model.RequestStatus
	Event     string
	StepOrder int
	Changed   []model.ApprovalStep
	Intents   []model.SideEffectIntent

	// Completed is set when the final step was approved. The per-type
	// terminal effect (ledger deduction for leave) applies exactly then.
	Completed bool

	// Revoked is set when an already approved request was cancelled and the
	// terminal effect must be undone.
	Revoked bool
}

// CancelPolicy decides whether a cancellation is allowed once approvals
// exist, and whether the caller may cancel on behalf of the requester.
type CancelPolicy struct {
	AfterPartialApproval bool
	AfterFinalApproval   bool
	OnBehalf             bool
}

// Submit turns a draft request into a pending one with a fresh chain. The
// requester may not approve their own request.
func Submit(req model.Request, approverIDs []string, at time.Time) (*Machine, Result, error) {
	if req.Status != "" && req.Status != model.RequestStatusDraft {
		return nil, Result{}, model.NewInvalidTransitionError(
			fmt.Sprintf("request %q is %s, only drafts can be submitted", req.ID, req.Status),
		)
	}
	for _, id := range approverIDs {
		if id == req.RequesterID {
			return nil, Result{}, model.NewFieldError("approver_ids", "requester",
				"the requester cannot approve their own request")
		}
	}

	chain, err := NewChain(req.ID, approverIDs)
	if err != nil {
		return nil, Result{}, err
	}

	first := 1
	req.Status = model.RequestStatusPending
	req.CurrentStepOrder = &first
	req.CreatedAt = at
	req.UpdatedAt = at

	m := &Machine{req: req, chain: chain}
	res := Result{
		From:      model.RequestStatusDraft,
		To:        model.RequestStatusPending,
		Event:     model.EventSubmitted,
		StepOrder: first,
		Changed:   chain.Steps(),
		Intents:   []model.SideEffectIntent{m.notifyApprover(first)},
	}
	return m, res, nil
}

// Restore rebuilds a machine from a stored request and its steps, checking
// that the cursor agrees with the chain.
func Restore(req model.Request, steps []model.ApprovalStep) (*Machine, error) {
	chain, err := RestoreChain(req.ID, steps)
	if err != nil {
		return nil, err
	}
	m := &Machine{req: req, chain: chain}
	if err := m.CheckInvariant(); err != nil {
		return nil, err
	}
	return m, nil
}

// Request returns a copy of the request.
func (m *Machine) Request() model.Request {
	r := m.req
	if m.req.CurrentStepOrder != nil {
		cur := *m.req.CurrentStepOrder
		r.CurrentStepOrder = &cur
	}
	return r
}

// Chain returns the request's approval chain.
func (m *Machine) Chain() *Chain { return m.chain }

// CheckInvariant verifies the chain shape and that CurrentStepOrder points
// at the single pending step.
func (m *Machine) CheckInvariant() error {
	if err := m.chain.CheckInvariant(); err != nil {
		return err
	}
	cur, pending := m.chain.Current()
	switch {
	case m.req.CurrentStepOrder == nil && pending:
		return fmt.Errorf("request %s: step %d pending but no current step", m.req.ID, cur.StepOrder)
	case m.req.CurrentStepOrder != nil && !pending:
		return fmt.Errorf("request %s: current step %d but no pending step", m.req.ID, *m.req.CurrentStepOrder)
	case m.req.CurrentStepOrder != nil && *m.req.CurrentStepOrder != cur.StepOrder:
		return fmt.Errorf("request %s: current step %d but step %d pending", m.req.ID, *m.req.CurrentStepOrder, cur.StepOrder)
	}
	if pending && m.req.Status != model.RequestStatusPending {
		return fmt.Errorf("request %s: %s with a pending step", m.req.ID, m.req.Status)
	}
	return nil
}

// Approve records actorID's approval of their step.
func (m *Machine) Approve(actorID string, comment *string, at time.Time) (Result, error) {
	step, err := m.decidableStep(actorID, model.StepStatusApproved)
	if err != nil {
		return Result{}, err
	}

	next, err := m.chain.advance(step.StepOrder, comment, at)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		From:      m.req.Status,
		To:        model.RequestStatusPending,
		Event:     model.EventStepApproved,
		StepOrder: step.StepOrder,
	}
	m.req.UpdatedAt = at

	if next != 0 {
		m.req.CurrentStepOrder = &next
		res.Changed = m.changed(step.StepOrder, next)
		res.Intents = []model.SideEffectIntent{m.notifyApprover(next)}
		return res, nil
	}

	m.req.Status = model.RequestStatusApproved
	m.req.CurrentStepOrder = nil
	m.req.DecidedAt = &at
	res.To = model.RequestStatusApproved
	res.Event = model.EventApproved
	res.Completed = true
	res.Changed = m.changed(step.StepOrder)
	res.Intents = []model.SideEffectIntent{
		m.intent(model.IntentNotifyRequesterComplete, m.req.RequesterID, map[string]any{
			"decided_at": at,
		}),
		m.intent(model.IntentArchiveToExternalStore, "", map[string]any{
			"requester_id": m.req.RequesterID,
		}),
	}
	return res, nil
}

// Reject records actorID's rejection of their step. The reason is mandatory.
func (m *Machine) Reject(actorID, reason string, at time.Time) (Result, error) {
	if reason == "" {
		return Result{}, model.NewFieldError("reason", "required", "a rejection reason is required")
	}

	step, err := m.decidableStep(actorID, model.StepStatusRejected)
	if err != nil {
		return Result{}, err
	}
	if err := m.chain.halt(step.StepOrder, reason, at); err != nil {
		return Result{}, err
	}

	from := m.req.Status
	m.req.Status = model.RequestStatusRejected
	m.req.CurrentStepOrder = nil
	m.req.DecidedAt = &at
	m.req.UpdatedAt = at

	return Result{
		From:      from,
		To:        model.RequestStatusRejected,
		Event:     model.EventStepRejected,
		StepOrder: step.StepOrder,
		Changed:   m.changed(step.StepOrder),
		Intents: []model.SideEffectIntent{
			m.intent(model.IntentNotifyRequesterRejected, m.req.RequesterID, map[string]any{
				"step_order":  step.StepOrder,
				"rejected_by": actorID,
				"reason":      reason,
			}),
		},
	}, nil
}

// Cancel withdraws the request. Without policy overrides only the requester
// may cancel, and only before any step is approved.
func (m *Machine) Cancel(actorID string, p CancelPolicy, at time.Time) (Result, error) {
	if actorID != m.req.RequesterID && !p.OnBehalf {
		return Result{}, m.errorf(model.NewForbiddenError(
			fmt.Sprintf("only the requester can cancel request %q", m.req.ID)))
	}

	from := m.req.Status
	res := Result{From: from, To: model.RequestStatusCancelled, Event: model.EventCancelled}

	switch from {
	case model.RequestStatusCancelled:
		return Result{}, m.errorf(model.NewAlreadyDecidedError(
			fmt.Sprintf("request %q is already cancelled", m.req.ID)))

	case model.RequestStatusPending:
		if n := m.chain.ApprovedCount(); n > 0 && !p.AfterPartialApproval {
			return Result{}, m.errorf(model.NewInvalidTransitionError(
				fmt.Sprintf("request %q cannot be cancelled: %d step(s) already approved", m.req.ID, n)))
		}
		if frozen := m.chain.freeze(); frozen != 0 {
			res.StepOrder = frozen
			res.Changed = m.changed(frozen)
		}

	case model.RequestStatusApproved:
		if !p.AfterFinalApproval {
			return Result{}, m.errorf(model.NewInvalidTransitionError(
				fmt.Sprintf("request %q is approved and can no longer be cancelled", m.req.ID)))
		}
		res.Revoked = true

	default:
		return Result{}, m.errorf(model.NewInvalidTransitionError(
			fmt.Sprintf("request %q is %s and cannot be cancelled", m.req.ID, from)))
	}

	m.req.Status = model.RequestStatusCancelled
	m.req.CurrentStepOrder = nil
	m.req.DecidedAt = &at
	m.req.UpdatedAt = at
	return res, nil
}

// Archive records that the approved document reached external storage.
func (m *Machine) Archive(at time.Time) (Result, error) {
	switch m.req.Status {
	case model.RequestStatusArchived:
		return Result{}, m.errorf(model.NewAlreadyDecidedError(
			fmt.Sprintf("request %q is already archived", m.req.ID)))
	case model.RequestStatusApproved:
	default:
		return Result{}, m.errorf(model.NewInvalidTransitionError(
			fmt.Sprintf("request %q is %s, only approved requests are archived", m.req.ID, m.req.Status)))
	}

	m.req.Status = model.RequestStatusArchived
	m.req.ArchivedAt = &at
	m.req.UpdatedAt = at
	return Result{
		From:  model.RequestStatusApproved,
		To:    model.RequestStatusArchived,
		Event: model.EventArchived,
	}, nil
}

// decidableStep applies the approve/reject guards in a fixed order: the
// actor must own a step; a repeat of the same decision is ALREADY_DECIDED; a
// different earlier decision, or a step that is not current, is
// NOT_CURRENT_STEP; a request that is not pending is INVALID_TRANSITION.
func (m *Machine) decidableStep(actorID string, decision model.StepStatus) (model.ApprovalStep, error) {
	step, ok := m.chain.StepFor(actorID)
	if !ok {
		return model.ApprovalStep{}, m.errorf(model.NewForbiddenError(
			fmt.Sprintf("%q is not an approver of request %q", actorID, m.req.ID)))
	}

	if step.Status == decision {
		return model.ApprovalStep{}, m.errorf(model.NewAlreadyDecidedError(
			fmt.Sprintf("step %d is already %s", step.StepOrder, step.Status)).
			With(model.CtxStepOrder, step.StepOrder))
	}
	if step.Status.Decided() {
		return model.ApprovalStep{}, m.errorf(model.NewNotCurrentStepError(
			fmt.Sprintf("step %d was already %s", step.StepOrder, step.Status)).
			With(model.CtxStepOrder, step.StepOrder))
	}

	if m.req.Status != model.RequestStatusPending {
		return model.ApprovalStep{}, m.errorf(model.NewInvalidTransitionError(
			fmt.Sprintf("request %q is %s, not pending", m.req.ID, m.req.Status)).
			With(model.CtxStepOrder, step.StepOrder))
	}

	if m.req.CurrentStepOrder == nil || *m.req.CurrentStepOrder != step.StepOrder {
		return model.ApprovalStep{}, m.errorf(model.NewNotCurrentStepError(
			fmt.Sprintf("step %d is not the current step", step.StepOrder)).
			With(model.CtxStepOrder, step.StepOrder))
	}
	return step, nil
}

// errorf decorates a guard failure with the request id, its status and whose
// turn it is.
func (m *Machine) errorf(e *model.ErrorEnvelope) *model.ErrorEnvelope {
	e = e.With(model.CtxRequestID, m.req.ID).With(model.CtxStatus, string(m.req.Status))
	if cur, ok := m.chain.Current(); ok {
		e = e.With(model.CtxCurrentStep, cur.StepOrder).With(model.CtxCurrentApprover, cur.ApproverID)
	}
	return e
}

func (m *Machine) changed(orders ...int) []model.ApprovalStep {
	out := make([]model.ApprovalStep, 0, len(orders))
	for _, o := range orders {
		if s, ok := m.chain.Step(o); ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *Machine) notifyApprover(order int) model.SideEffectIntent {
	s, _ := m.chain.Step(order)
	return m.intent(model.IntentNotifyApprover, s.ApproverID, map[string]any{
		"step_order":   order,
		"total_steps":  m.chain.Len(),
		"requester_id": m.req.RequesterID,
	})
}

func (m *Machine) intent(kind model.IntentKind, target string, payload map[string]any) model.SideEffectIntent {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_type"] = string(m.req.Type)
	return model.SideEffectIntent{
		Kind:             kind,
		RequestID:        m.req.ID,
		TargetEmployeeID: target,
		Payload:          payload,
	}
}
