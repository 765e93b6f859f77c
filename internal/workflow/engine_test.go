package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/hrflow/model"
)

// --- Test helpers ---

func rctx(subject string) *model.RequestContext {
	return &model.RequestContext{SubjectID: subject, Email: subject + "@example.com"}
}

// mockCapResolver grants capabilities per subject.
type mockCapResolver struct {
	caps map[string]model.CapabilitySet
	err  error
}

func (m *mockCapResolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if m.err != nil {
		return nil, m.err
	}
	if cs, ok := m.caps[rctx.SubjectID]; ok {
		return cs, nil
	}
	return model.CapabilitySet{}, nil
}

func days(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func leave(n string) model.LeavePayload {
	return model.LeavePayload{
		LeaveType: "annual",
		StartDate: "2026-11-02",
		EndDate:   "2026-11-03",
		DaysCount: days(n),
	}
}

var fixedNow = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	resolver := &mockCapResolver{caps: map[string]model.CapabilitySet{
		"hr-1": {model.CapLedgerGrant: true, model.CapLedgerViewAny: true, model.CapRequestsViewAny: true},
	}}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(store, resolver, opts...), store
}

// grant seeds an employee's balance through the engine.
func grant(t *testing.T, e *Engine, employeeID, n string) {
	t.Helper()
	_, err := e.Grant(context.Background(), rctx("hr-1"), employeeID, days(n), "annual allowance")
	require.NoError(t, err)
}

func submitLeave(t *testing.T, e *Engine, requester, n string, approvers ...string) Outcome {
	t.Helper()
	out, err := e.Submit(context.Background(), rctx(requester), SubmitInput{
		Type:        model.RequestTypeLeave,
		Payload:     leave(n),
		ApproverIDs: approvers,
	})
	require.NoError(t, err)
	return out
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok, "error %v is not an envelope", err)
	require.Equal(t, code, ee.Code, ee.Message)
}

func intentKinds(intents []model.SideEffectIntent) []model.IntentKind {
	kinds := make([]model.IntentKind, len(intents))
	for i, in := range intents {
		kinds[i] = in.Kind
	}
	return kinds
}

// --- Submit ---

func TestEngine_Submit(t *testing.T) {
	e, store := newTestEngine(t)
	out := submitLeave(t, e, "emp-1", "2", "mgr-1", "dir-1")

	assert.NotEmpty(t, out.Request.ID)
	assert.Equal(t, model.RequestStatusPending, out.Request.Status)
	assert.Equal(t, int64(1), out.Request.Version)
	require.NotNil(t, out.Request.CurrentStepOrder)
	assert.Equal(t, 1, *out.Request.CurrentStepOrder)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, model.StepStatusPending, out.Steps[0].Status)
	assert.Equal(t, model.StepStatusWaiting, out.Steps[1].Status)

	require.Len(t, out.Intents, 1)
	assert.Equal(t, model.IntentNotifyApprover, out.Intents[0].Kind)
	assert.Equal(t, "mgr-1", out.Intents[0].TargetEmployeeID)
	assert.NotEmpty(t, out.Intents[0].ID)
	assert.Equal(t, fixedNow, out.Intents[0].CreatedAt)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, store.OutboxLen())

	events, err := e.History(context.Background(), rctx("emp-1"), out.Request.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSubmitted, events[0].Event)
}

func TestEngine_Submit_rejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		rctx *model.RequestContext
		in   SubmitInput
		code string
	}{
		{
			name: "no caller",
			in:   SubmitInput{Type: model.RequestTypeLeave, Payload: leave("1"), ApproverIDs: []string{"mgr-1"}},
			code: model.ErrUnauthorized,
		},
		{
			name: "unknown type",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: "bonus", Payload: leave("1"), ApproverIDs: []string{"mgr-1"}},
			code: model.ErrValidationError,
		},
		{
			name: "missing payload",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: model.RequestTypeLeave, ApproverIDs: []string{"mgr-1"}},
			code: model.ErrValidationError,
		},
		{
			name: "payload of another type",
			rctx: rctx("emp-1"),
			in: SubmitInput{
				Type:        model.RequestTypeLeave,
				Payload:     model.GeneralPayload{Title: "t", Body: "b"},
				ApproverIDs: []string{"mgr-1"},
			},
			code: model.ErrValidationError,
		},
		{
			name: "invalid payload",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: model.RequestTypeLeave, Payload: leave("0"), ApproverIDs: []string{"mgr-1"}},
			code: model.ErrValidationError,
		},
		{
			name: "no approvers",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: model.RequestTypeLeave, Payload: leave("1")},
			code: model.ErrValidationError,
		},
		{
			name: "duplicate approver",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: model.RequestTypeLeave, Payload: leave("1"), ApproverIDs: []string{"mgr-1", "mgr-1"}},
			code: model.ErrDuplicateApprover,
		},
		{
			name: "self approval",
			rctx: rctx("emp-1"),
			in:   SubmitInput{Type: model.RequestTypeLeave, Payload: leave("1"), ApproverIDs: []string{"emp-1"}},
			code: model.ErrValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newTestEngine(t)
			_, err := e.Submit(context.Background(), tt.rctx, tt.in)
			requireCode(t, err, tt.code)
			assert.Equal(t, 0, store.Len())
			assert.Equal(t, 0, store.OutboxLen())
		})
	}
}

func TestEngine_Submit_maxApprovers(t *testing.T) {
	p := DefaultPolicy()
	p.MaxApprovers = 2
	e, _ := newTestEngine(t, WithPolicy(p))

	_, err := e.Submit(context.Background(), rctx("emp-1"), SubmitInput{
		Type:        model.RequestTypeGeneral,
		Payload:     model.GeneralPayload{Title: "t", Body: "b"},
		ApproverIDs: []string{"a", "b", "c"},
	})
	requireCode(t, err, model.ErrValidationError)
}

// --- Approval lifecycle ---

func TestEngine_TwoStepLeaveApproval(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grant(t, e, "emp-1", "15")

	sub := submitLeave(t, e, "emp-1", "2", "mgr-1", "dir-1")
	id := sub.Request.ID

	first, err := e.ApproveStep(ctx, rctx("mgr-1"), id, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, first.Request.Status)
	require.NotNil(t, first.Request.CurrentStepOrder)
	assert.Equal(t, 2, *first.Request.CurrentStepOrder)
	assert.Equal(t, []model.IntentKind{model.IntentNotifyApprover}, intentKinds(first.Intents))
	assert.Equal(t, "dir-1", first.Intents[0].TargetEmployeeID)

	// Nothing is deducted before the final step.
	bal, err := e.Balance(ctx, rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.UsedDays.IsZero())

	comment := "enjoy"
	final, err := e.ApproveStep(ctx, rctx("dir-1"), id, &comment)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, final.Request.Status)
	assert.Nil(t, final.Request.CurrentStepOrder)
	assert.NotNil(t, final.Request.DecidedAt)
	assert.Equal(t, int64(3), final.Request.Version)
	assert.ElementsMatch(t,
		[]model.IntentKind{model.IntentNotifyRequesterComplete, model.IntentArchiveToExternalStore},
		intentKinds(final.Intents))

	bal, err = e.Balance(ctx, rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.TotalDays.Equal(days("15")), "total = %s", bal.TotalDays)
	assert.True(t, bal.UsedDays.Equal(days("2")), "used = %s", bal.UsedDays)
	assert.True(t, bal.RemainingDays.Equal(days("13")), "remaining = %s", bal.RemainingDays)

	entries, err := e.LedgerEntries(ctx, rctx("emp-1"), "emp-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var deduct *model.LedgerEntry
	for i := range entries {
		if entries[i].Kind == model.LedgerEntryDeduct {
			deduct = &entries[i]
		}
	}
	require.NotNil(t, deduct)
	assert.Equal(t, id, deduct.RequestID)
	assert.NotEmpty(t, deduct.ID)

	events, err := e.History(ctx, rctx("emp-1"), id)
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, evt := range events {
		names[i] = evt.Event
	}
	assert.Equal(t, []string{model.EventSubmitted, model.EventStepApproved, model.EventApproved}, names)
	assert.Equal(t, "enjoy", events[2].Comment)
}

func TestEngine_ApproveStep_insufficientBalance(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	grant(t, e, "emp-1", "1")
	sub := submitLeave(t, e, "emp-1", "3", "mgr-1")
	outboxBefore := store.OutboxLen()

	_, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
	requireCode(t, err, model.ErrInsufficientBalance)

	detail, err := e.Get(ctx, rctx("emp-1"), sub.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, detail.Request.Status)
	assert.Equal(t, model.StepStatusPending, detail.Steps[0].Status)
	assert.Equal(t, int64(1), detail.Request.Version)

	bal, err := e.Balance(ctx, rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.RemainingDays.Equal(days("1")))
	assert.Equal(t, outboxBefore, store.OutboxLen())
}

func TestEngine_ApproveStep_overrideCapability(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.capResolver = &mockCapResolver{caps: map[string]model.CapabilitySet{
		"hr-1":  {model.CapLedgerGrant: true},
		"mgr-1": {"ledger:*": true},
	}}
	grant(t, e, "emp-1", "1")
	sub := submitLeave(t, e, "emp-1", "3", "mgr-1")

	out, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, out.Request.Status)

	bal, err := e.Balance(ctx, rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.RemainingDays.Equal(days("-2")), "remaining = %s", bal.RemainingDays)
}

func TestEngine_ApproveStep_allowNegativePolicy(t *testing.T) {
	p := DefaultPolicy()
	p.AllowNegativeBalance = true
	e, _ := newTestEngine(t, WithPolicy(p))
	sub := submitLeave(t, e, "emp-1", "1.5", "mgr-1")

	_, err := e.ApproveStep(context.Background(), rctx("mgr-1"), sub.Request.ID, nil)
	require.NoError(t, err)

	bal, err := e.Balance(context.Background(), rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.RemainingDays.Equal(days("-1.5")))
	assert.Equal(t, int64(1), bal.Version)
}

func TestEngine_ApproveStep_nonLeaveHasNoLedgerEffect(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	sub, err := e.Submit(ctx, rctx("emp-1"), SubmitInput{
		Type: model.RequestTypeExpense,
		Payload: model.ExpensePayload{
			Category: "travel", Amount: days("120.50"), Currency: "EUR",
		},
		ApproverIDs: []string{"mgr-1"},
	})
	require.NoError(t, err)

	out, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusApproved, out.Request.Status)

	entries, err := e.LedgerEntries(ctx, rctx("emp-1"), "emp-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_ApproveStep_guards(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grant(t, e, "emp-1", "10")
	sub := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1", "ceo-1")
	id := sub.Request.ID

	t.Run("not an approver", func(t *testing.T) {
		_, err := e.ApproveStep(ctx, rctx("stranger"), id, nil)
		requireCode(t, err, model.ErrForbidden)
	})

	t.Run("out of turn", func(t *testing.T) {
		_, err := e.ApproveStep(ctx, rctx("dir-1"), id, nil)
		requireCode(t, err, model.ErrNotCurrentStep)
		ee, _ := model.AsEnvelope(err)
		assert.Equal(t, "mgr-1", ee.Context[model.CtxCurrentApprover])
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := e.ApproveStep(ctx, rctx("mgr-1"), "missing", nil)
		requireCode(t, err, model.ErrNotFound)
	})

	t.Run("repeat approval is a no-op", func(t *testing.T) {
		first, err := e.ApproveStep(ctx, rctx("mgr-1"), id, nil)
		require.NoError(t, err)
		assert.False(t, first.AlreadyDecided)

		again, err := e.ApproveStep(ctx, rctx("mgr-1"), id, nil)
		require.NoError(t, err)
		assert.True(t, again.AlreadyDecided)
		assert.Empty(t, again.Intents)
		assert.Equal(t, first.Request.Version, again.Request.Version)

		events, err := e.History(ctx, rctx("emp-1"), id)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("reject after own approval", func(t *testing.T) {
		_, err := e.RejectStep(ctx, rctx("mgr-1"), id, "changed my mind")
		requireCode(t, err, model.ErrNotCurrentStep)
	})
}

// --- Rejection ---

func TestEngine_RejectStep(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grant(t, e, "emp-1", "10")
	sub := submitLeave(t, e, "emp-1", "4", "mgr-1", "dir-1", "ceo-1")
	id := sub.Request.ID

	_, err := e.ApproveStep(ctx, rctx("mgr-1"), id, nil)
	require.NoError(t, err)

	_, err = e.RejectStep(ctx, rctx("dir-1"), id, "")
	requireCode(t, err, model.ErrValidationError)

	out, err := e.RejectStep(ctx, rctx("dir-1"), id, "team at capacity")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusRejected, out.Request.Status)
	assert.Nil(t, out.Request.CurrentStepOrder)
	assert.Equal(t, []model.IntentKind{model.IntentNotifyRequesterRejected}, intentKinds(out.Intents))
	assert.Equal(t, "emp-1", out.Intents[0].TargetEmployeeID)

	statuses := make([]model.StepStatus, len(out.Steps))
	for i, s := range out.Steps {
		statuses[i] = s.Status
	}
	assert.Equal(t, []model.StepStatus{model.StepStatusApproved, model.StepStatusRejected, model.StepStatusWaiting}, statuses)

	// The ledger is untouched by a rejection.
	bal, err := e.Balance(ctx, rctx("emp-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.RemainingDays.Equal(days("10")))
	assert.True(t, bal.UsedDays.IsZero())

	// The last approver can no longer act.
	_, err = e.ApproveStep(ctx, rctx("ceo-1"), id, nil)
	requireCode(t, err, model.ErrInvalidTransition)

	again, err := e.RejectStep(ctx, rctx("dir-1"), id, "team at capacity")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDecided)
}

// --- Concurrency ---

func TestEngine_ConcurrentDecisionsOnOneStep(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	grant(t, e, "emp-1", "10")
	sub := submitLeave(t, e, "emp-1", "2", "mgr-1")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			var out Outcome
			if i%2 == 0 {
				out, err = e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
			} else {
				out, err = e.RejectStep(ctx, rctx("mgr-1"), sub.Request.ID, "no")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if !out.AlreadyDecided {
				successes++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		ee, ok := model.AsEnvelope(err)
		require.True(t, ok, "unexpected error %v", err)
		assert.Contains(t, []string{model.ErrConflict, model.ErrNotCurrentStep, model.ErrInvalidTransition}, ee.Code)
	}

	detail, err := e.Get(ctx, rctx("emp-1"), sub.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), detail.Request.Version)

	entries, err := e.LedgerEntries(ctx, rctx("emp-1"), "emp-1", 0)
	require.NoError(t, err)
	if detail.Request.Status == model.RequestStatusApproved {
		assert.Len(t, entries, 2)
		assert.Equal(t, 3, store.OutboxLen())
	} else {
		assert.Equal(t, model.RequestStatusRejected, detail.Request.Status)
		assert.Len(t, entries, 1)
		assert.Equal(t, 2, store.OutboxLen())
	}
}

// --- Cancellation ---

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("requester cancels before any approval", func(t *testing.T) {
		e, _ := newTestEngine(t)
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1")

		out, err := e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "plans changed")
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusCancelled, out.Request.Status)
		assert.Nil(t, out.Request.CurrentStepOrder)
		for _, s := range out.Steps {
			assert.NotEqual(t, model.StepStatusPending, s.Status)
		}

		events, err := e.History(ctx, rctx("emp-1"), sub.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, "plans changed", events[len(events)-1].Comment)

		again, err := e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "")
		require.NoError(t, err)
		assert.True(t, again.AlreadyDecided)

		_, err = e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
		requireCode(t, err, model.ErrInvalidTransition)
	})

	t.Run("other employee is forbidden", func(t *testing.T) {
		e, _ := newTestEngine(t)
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1")

		_, err := e.Cancel(ctx, rctx("mgr-1"), sub.Request.ID, "")
		requireCode(t, err, model.ErrForbidden)
	})

	t.Run("cancel-any capability cancels on behalf", func(t *testing.T) {
		e, _ := newTestEngine(t)
		e.capResolver = &mockCapResolver{caps: map[string]model.CapabilitySet{
			"hr-2": {model.CapRequestsCancelAny: true},
		}}
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1")

		out, err := e.Cancel(ctx, rctx("hr-2"), sub.Request.ID, "duplicate")
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusCancelled, out.Request.Status)
	})

	t.Run("partial approval blocks by default", func(t *testing.T) {
		e, _ := newTestEngine(t)
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1")
		_, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
		require.NoError(t, err)

		_, err = e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "")
		requireCode(t, err, model.ErrInvalidTransition)
	})

	t.Run("partial approval allowed by policy", func(t *testing.T) {
		p := DefaultPolicy()
		p.CancelAfterPartialApproval = true
		e, _ := newTestEngine(t, WithPolicy(p))
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1")
		_, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
		require.NoError(t, err)

		out, err := e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "")
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusCancelled, out.Request.Status)
	})

	t.Run("final approval blocks by default", func(t *testing.T) {
		e, _ := newTestEngine(t)
		grant(t, e, "emp-1", "5")
		sub := submitLeave(t, e, "emp-1", "1", "mgr-1")
		_, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
		require.NoError(t, err)

		_, err = e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "")
		requireCode(t, err, model.ErrInvalidTransition)
	})

	t.Run("revoking an approval restores the balance", func(t *testing.T) {
		p := DefaultPolicy()
		p.CancelAfterFinalApproval = true
		e, _ := newTestEngine(t, WithPolicy(p))
		grant(t, e, "emp-1", "5")
		sub := submitLeave(t, e, "emp-1", "2", "mgr-1")
		_, err := e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
		require.NoError(t, err)

		out, err := e.Cancel(ctx, rctx("emp-1"), sub.Request.ID, "trip cancelled")
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusCancelled, out.Request.Status)

		bal, err := e.Balance(ctx, rctx("emp-1"), "emp-1")
		require.NoError(t, err)
		assert.True(t, bal.RemainingDays.Equal(days("5")), "remaining = %s", bal.RemainingDays)
		assert.True(t, bal.UsedDays.IsZero())

		entries, err := e.LedgerEntries(ctx, rctx("emp-1"), "emp-1", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})
}

// --- Archive ---

func TestEngine_MarkArchived(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	sub := submitLeave(t, e, "emp-1", "1", "mgr-1")

	_, err := e.MarkArchived(ctx, sub.Request.ID)
	requireCode(t, err, model.ErrInvalidTransition)

	grant(t, e, "emp-1", "3")
	_, err = e.ApproveStep(ctx, rctx("mgr-1"), sub.Request.ID, nil)
	require.NoError(t, err)

	out, err := e.MarkArchived(ctx, sub.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusArchived, out.Request.Status)
	assert.NotNil(t, out.Request.ArchivedAt)

	again, err := e.MarkArchived(ctx, sub.Request.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyDecided)
	assert.Equal(t, model.RequestStatusArchived, again.Request.Status)
}

// --- Reads ---

func TestEngine_Get_visibility(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	sub := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1")

	for _, who := range []string{"emp-1", "mgr-1", "dir-1", "hr-1"} {
		_, err := e.Get(ctx, rctx(who), sub.Request.ID)
		assert.NoError(t, err, who)
	}
	_, err := e.Get(ctx, rctx("emp-2"), sub.Request.ID)
	requireCode(t, err, model.ErrForbidden)

	_, err = e.History(ctx, rctx("emp-2"), sub.Request.ID)
	requireCode(t, err, model.ErrForbidden)
}

func TestEngine_ListInboxAndMine(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	a := submitLeave(t, e, "emp-1", "1", "mgr-1", "dir-1")
	b := submitLeave(t, e, "emp-2", "1", "dir-1")
	submitLeave(t, e, "emp-1", "1", "mgr-2")

	inbox, err := e.ListInbox(ctx, rctx("dir-1"), 0, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, b.Request.ID, inbox[0].ID)

	_, err = e.ApproveStep(ctx, rctx("mgr-1"), a.Request.ID, nil)
	require.NoError(t, err)

	inbox, err = e.ListInbox(ctx, rctx("dir-1"), 0, 0)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	inbox, err = e.ListInbox(ctx, rctx("mgr-1"), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	mine, err := e.ListMine(ctx, rctx("emp-1"), model.RequestFilters{RequesterID: "emp-2"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, r := range mine {
		assert.Equal(t, "emp-1", r.RequesterID)
	}
}

// --- Ledger ---

func TestEngine_Grant(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Grant(ctx, rctx("mgr-1"), "emp-1", days("5"), "bonus days")
	requireCode(t, err, model.ErrForbidden)

	bal, err := e.Grant(ctx, rctx("hr-1"), "emp-1", days("5"), "bonus days")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Version)
	assert.True(t, bal.RemainingDays.Equal(days("5")))

	bal, err = e.Grant(ctx, rctx("hr-1"), "emp-1", days("2.5"), "carry over")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.Version)
	assert.True(t, bal.TotalDays.Equal(days("7.5")))

	_, err = e.Grant(ctx, rctx("hr-1"), "emp-1", days("-1"), "oops")
	requireCode(t, err, model.ErrValidationError)
}

func TestEngine_Balance_visibility(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	grant(t, e, "emp-1", "3")

	_, err := e.Balance(ctx, rctx("emp-2"), "emp-1")
	requireCode(t, err, model.ErrForbidden)

	bal, err := e.Balance(ctx, rctx("hr-1"), "emp-1")
	require.NoError(t, err)
	assert.True(t, bal.RemainingDays.Equal(days("3")))

	bal, err = e.Balance(ctx, rctx("emp-3"), "emp-3")
	require.NoError(t, err)
	assert.True(t, bal.TotalDays.IsZero())
	assert.Equal(t, int64(0), bal.Version)
}

func TestEngine_capabilityResolverError(t *testing.T) {
	e, _ := newTestEngine(t)
	e.capResolver = &mockCapResolver{err: errors.New("policy backend down")}

	_, err := e.Grant(context.Background(), rctx("hr-1"), "emp-1", days("1"), "x")
	require.Error(t, err)
	assert.False(t, model.IsCode(err, model.ErrForbidden))
}
