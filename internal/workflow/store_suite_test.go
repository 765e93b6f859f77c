package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/hrflow/model"
)

// runStoreSuite checks the Store contract against any implementation.
// newStore must return an empty store for every call.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) { testStoreCreateGet(t, newStore(t)) })
	t.Run("create duplicate", func(t *testing.T) { testStoreCreateDuplicate(t, newStore(t)) })
	t.Run("get not found", func(t *testing.T) { testStoreGetNotFound(t, newStore(t)) })
	t.Run("commit advances", func(t *testing.T) { testStoreCommitAdvances(t, newStore(t)) })
	t.Run("commit version conflict", func(t *testing.T) { testStoreCommitConflict(t, newStore(t)) })
	t.Run("balance lifecycle", func(t *testing.T) { testStoreBalance(t, newStore(t)) })
	t.Run("list requests", func(t *testing.T) { testStoreListRequests(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testStoreOutbox(t, newStore(t)) })
}

var suiteBase = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

// suiteRequest builds a pending request whose first step belongs to the
// first approver.
func suiteRequest(requester string, createdAt time.Time, approvers ...string) Transition {
	id := uuid.New().String()
	first := 1
	req := model.Request{
		ID:               id,
		Type:             model.RequestTypeLeave,
		RequesterID:      requester,
		Status:           model.RequestStatusPending,
		CurrentStepOrder: &first,
		Payload: model.LeavePayload{
			LeaveType: "annual", StartDate: "2026-11-02", EndDate: "2026-11-02",
			DaysCount: decimal.NewFromInt(1),
		},
		Version:   1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	steps := make([]model.ApprovalStep, len(approvers))
	for i, a := range approvers {
		status := model.StepStatusWaiting
		if i == 0 {
			status = model.StepStatusPending
		}
		steps[i] = model.ApprovalStep{RequestID: id, StepOrder: i + 1, ApproverID: a, Status: status}
	}
	return Transition{
		Request: &req,
		Steps:   steps,
		Events: []model.RequestEvent{{
			ID: uuid.New().String(), RequestID: id, Event: model.EventSubmitted,
			ActorID: requester, Timestamp: createdAt,
		}},
		Intents: []model.SideEffectIntent{{
			ID: uuid.New().String(), Kind: model.IntentNotifyApprover, RequestID: id,
			TargetEmployeeID: approvers[0], Payload: map[string]any{"step_order": 1},
			CreatedAt: createdAt,
		}},
	}
}

func testStoreCreateGet(t *testing.T, s Store) {
	ctx := context.Background()
	tx := suiteRequest("emp-1", suiteBase, "mgr-1", "dir-1")
	if err := s.CreateRequest(ctx, tx); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	got, steps, err := s.GetRequest(ctx, tx.Request.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Status != model.RequestStatusPending || got.Version != 1 || got.RequesterID != "emp-1" {
		t.Errorf("request = %+v", got)
	}
	p, ok := got.Payload.(model.LeavePayload)
	if !ok || !p.DaysCount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("payload = %#v", got.Payload)
	}
	if len(steps) != 2 || steps[0].StepOrder != 1 || steps[1].ApproverID != "dir-1" {
		t.Errorf("steps = %+v", steps)
	}

	events, err := s.ListEvents(ctx, tx.Request.ID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Event != model.EventSubmitted {
		t.Errorf("events = %+v", events)
	}
}

func testStoreCreateDuplicate(t *testing.T, s Store) {
	ctx := context.Background()
	tx := suiteRequest("emp-1", suiteBase, "mgr-1")
	if err := s.CreateRequest(ctx, tx); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	dup := suiteRequest("emp-1", suiteBase, "mgr-1")
	dup.Request.ID = tx.Request.ID
	for i := range dup.Steps {
		dup.Steps[i].RequestID = tx.Request.ID
	}
	dup.Events[0].RequestID = tx.Request.ID
	dup.Intents[0].RequestID = tx.Request.ID

	if err := s.CreateRequest(ctx, dup); !model.IsConflict(err) {
		t.Errorf("CreateRequest(duplicate) error = %v, want CONFLICT", err)
	}
}

func testStoreGetNotFound(t *testing.T, s Store) {
	_, _, err := s.GetRequest(context.Background(), uuid.New().String())
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("GetRequest() error = %v, want NOT_FOUND", err)
	}
}

func testStoreCommitAdvances(t *testing.T, s Store) {
	ctx := context.Background()
	tx := suiteRequest("emp-1", suiteBase, "mgr-1", "dir-1")
	if err := s.CreateRequest(ctx, tx); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	at := suiteBase.Add(time.Hour)
	req := *tx.Request
	second := 2
	req.CurrentStepOrder = &second
	req.UpdatedAt = at
	steps := []model.ApprovalStep{tx.Steps[0], tx.Steps[1]}
	steps[0].Status = model.StepStatusApproved
	steps[0].DecidedAt = &at
	steps[1].Status = model.StepStatusPending

	err := s.Commit(ctx, Transition{
		Request: &req,
		Steps:   steps,
		Events: []model.RequestEvent{{
			ID: uuid.New().String(), RequestID: req.ID, Event: model.EventStepApproved,
			ActorID: "mgr-1", Timestamp: at,
		}},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, gotSteps, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.CurrentStepOrder == nil || *got.CurrentStepOrder != 2 {
		t.Errorf("CurrentStepOrder = %v, want 2", got.CurrentStepOrder)
	}
	if gotSteps[0].Status != model.StepStatusApproved || gotSteps[1].Status != model.StepStatusPending {
		t.Errorf("steps = %+v", gotSteps)
	}

	events, _ := s.ListEvents(ctx, req.ID)
	if len(events) != 2 || events[1].Event != model.EventStepApproved {
		t.Errorf("events = %+v", events)
	}
}

func testStoreCommitConflict(t *testing.T, s Store) {
	ctx := context.Background()
	tx := suiteRequest("emp-1", suiteBase, "mgr-1")
	if err := s.CreateRequest(ctx, tx); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	stale := *tx.Request
	stale.Status = model.RequestStatusCancelled
	stale.CurrentStepOrder = nil
	frozen := tx.Steps[0]
	frozen.Status = model.StepStatusWaiting
	if err := s.Commit(ctx, Transition{Request: &stale, Steps: []model.ApprovalStep{frozen}}); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}

	// The second writer still holds version 1.
	entry := model.LedgerEntry{
		ID: uuid.New().String(), EmployeeID: "emp-1", Kind: model.LedgerEntryDeduct,
		Days: decimal.NewFromInt(1), Reason: "x", ActorID: "mgr-1", CreatedAt: suiteBase,
	}
	bal := model.NewBalance("emp-1")
	err := s.Commit(ctx, Transition{Request: &stale, Balance: &bal, LedgerEntry: &entry})
	if !model.IsConflict(err) {
		t.Fatalf("stale Commit() error = %v, want CONFLICT", err)
	}

	// Nothing from the losing transition was written.
	entries, _ := s.ListLedgerEntries(ctx, "emp-1", 10)
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
	got, _ := s.GetBalance(ctx, "emp-1")
	if got.Version != 0 {
		t.Errorf("balance version = %d, want 0", got.Version)
	}
}

func testStoreBalance(t *testing.T, s Store) {
	ctx := context.Background()

	b, err := s.GetBalance(ctx, "emp-9")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if b.Version != 0 || !b.TotalDays.IsZero() {
		t.Errorf("new balance = %+v", b)
	}

	b.TotalDays = decimal.NewFromInt(15)
	b.RemainingDays = decimal.NewFromInt(15)
	entry := model.LedgerEntry{
		ID: uuid.New().String(), EmployeeID: "emp-9", Kind: model.LedgerEntryGrant,
		Days: decimal.NewFromInt(15), Reason: "allowance", ActorID: "hr-1",
		TotalDays: b.TotalDays, RemainingDays: b.RemainingDays, CreatedAt: suiteBase,
	}
	if err := s.Commit(ctx, Transition{Balance: &b, LedgerEntry: &entry}); err != nil {
		t.Fatalf("Commit(insert) error = %v", err)
	}

	// A second insert of the same employee loses.
	fresh := model.NewBalance("emp-9")
	if err := s.Commit(ctx, Transition{Balance: &fresh}); !model.IsConflict(err) {
		t.Errorf("Commit(second insert) error = %v, want CONFLICT", err)
	}

	got, err := s.GetBalance(ctx, "emp-9")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if got.Version != 1 || !got.RemainingDays.Equal(decimal.NewFromInt(15)) {
		t.Errorf("balance = %+v", got)
	}

	got.UsedDays = decimal.NewFromInt(2)
	got.RemainingDays = decimal.NewFromInt(13)
	if err := s.Commit(ctx, Transition{Balance: &got}); err != nil {
		t.Fatalf("Commit(update) error = %v", err)
	}
	got, _ = s.GetBalance(ctx, "emp-9")
	if got.Version != 2 || !got.UsedDays.Equal(decimal.NewFromInt(2)) {
		t.Errorf("balance = %+v", got)
	}

	entries, err := s.ListLedgerEntries(ctx, "emp-9", 10)
	if err != nil {
		t.Fatalf("ListLedgerEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != model.LedgerEntryGrant {
		t.Errorf("entries = %+v", entries)
	}
}

func testStoreListRequests(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i, who := range []string{"emp-1", "emp-2", "emp-1"} {
		tx := suiteRequest(who, suiteBase.Add(time.Duration(i)*time.Minute), "mgr-1", fmt.Sprintf("dir-%d", i))
		if err := s.CreateRequest(ctx, tx); err != nil {
			t.Fatalf("CreateRequest() error = %v", err)
		}
		ids = append(ids, tx.Request.ID)
	}

	mine, err := s.ListRequests(ctx, model.RequestFilters{RequesterID: "emp-1"})
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	if len(mine) != 2 || mine[0].ID != ids[2] || mine[1].ID != ids[0] {
		t.Errorf("mine = %v, want [%s %s]", requestIDs(mine), ids[2], ids[0])
	}

	inbox, _ := s.ListRequests(ctx, model.RequestFilters{ApproverID: "mgr-1", Status: model.RequestStatusPending})
	if len(inbox) != 3 {
		t.Errorf("mgr-1 inbox = %v, want 3", requestIDs(inbox))
	}
	inbox, _ = s.ListRequests(ctx, model.RequestFilters{ApproverID: "dir-1"})
	if len(inbox) != 0 {
		t.Errorf("dir-1 inbox = %v, want none (not current)", requestIDs(inbox))
	}

	page, _ := s.ListRequests(ctx, model.RequestFilters{ApproverID: "mgr-1", Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != ids[1] {
		t.Errorf("page = %v", requestIDs(page))
	}
}

func testStoreOutbox(t *testing.T, s Store) {
	ctx := context.Background()
	a := suiteRequest("emp-1", suiteBase, "mgr-1")
	b := suiteRequest("emp-2", suiteBase.Add(time.Second), "mgr-2")
	for _, tx := range []Transition{a, b} {
		if err := s.CreateRequest(ctx, tx); err != nil {
			t.Fatalf("CreateRequest() error = %v", err)
		}
	}

	pending, err := s.PendingIntents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingIntents() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != a.Intents[0].ID {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].TargetEmployeeID != "mgr-1" || pending[0].Kind != model.IntentNotifyApprover {
		t.Errorf("intent = %+v", pending[0])
	}

	if err := s.MarkIntentsDispatched(ctx, []string{a.Intents[0].ID}, suiteBase); err != nil {
		t.Fatalf("MarkIntentsDispatched() error = %v", err)
	}
	pending, _ = s.PendingIntents(ctx, 10)
	if len(pending) != 1 || pending[0].ID != b.Intents[0].ID {
		t.Errorf("pending after dispatch = %+v", pending)
	}

	limited, _ := s.PendingIntents(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("PendingIntents(1) = %d items", len(limited))
	}
}

func requestIDs(reqs []model.Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}
