package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/hrflow/model"
)

type outboxRow struct {
	intent       model.SideEffectIntent
	dispatchedAt *time.Time
}

// MemoryStore is an in-memory Store for tests and single-process
// deployments. Commit holds the write lock for the whole transition, which
// makes it atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]model.Request        // key: request ID
	steps    map[string][]model.ApprovalStep // key: request ID
	events   map[string][]model.RequestEvent // key: request ID
	balances map[string]model.Balance        // key: employee ID
	entries  map[string][]model.LedgerEntry  // key: employee ID
	outbox   []outboxRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]model.Request),
		steps:    make(map[string][]model.ApprovalStep),
		events:   make(map[string][]model.RequestEvent),
		balances: make(map[string]model.Balance),
		entries:  make(map[string][]model.LedgerEntry),
	}
}

// CreateRequest persists a new request with its steps, events and intents.
func (s *MemoryStore) CreateRequest(_ context.Context, tx Transition) error {
	if tx.Request == nil {
		return fmt.Errorf("create request: transition has no request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := *tx.Request
	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}

	s.requests[req.ID] = req
	s.steps[req.ID] = cloneSteps(tx.Steps)
	s.applyTail(tx)
	return nil
}

// GetRequest retrieves a request and its steps.
func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (model.Request, []model.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists {
		return model.Request{}, nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	return req, cloneSteps(s.steps[requestID]), nil
}

// Commit applies a transition with optimistic locking on the request and the
// balance.
func (s *MemoryStore) Commit(_ context.Context, tx Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every version before writing anything.
	if tx.Request != nil {
		existing, exists := s.requests[tx.Request.ID]
		if !exists {
			return model.NewNotFoundError(fmt.Sprintf("request %q not found", tx.Request.ID))
		}
		if existing.Version != tx.Request.Version {
			return model.NewConflictError(
				fmt.Sprintf("request %q version conflict (expected %d, got %d)", tx.Request.ID, tx.Request.Version, existing.Version),
			)
		}
	}
	if tx.Balance != nil {
		existing, exists := s.balances[tx.Balance.EmployeeID]
		var current int64
		if exists {
			current = existing.Version
		}
		if current != tx.Balance.Version {
			return model.NewConflictError(
				fmt.Sprintf("balance %q version conflict (expected %d, got %d)", tx.Balance.EmployeeID, tx.Balance.Version, current),
			)
		}
	}

	now := time.Now().UTC()
	if tx.Request != nil {
		req := *tx.Request
		req.Version++
		s.requests[req.ID] = req

		steps := s.steps[req.ID]
		for _, changed := range tx.Steps {
			for i := range steps {
				if steps[i].StepOrder == changed.StepOrder {
					steps[i] = changed
				}
			}
		}
	}
	if tx.Balance != nil {
		b := *tx.Balance
		b.Version++
		b.UpdatedAt = now
		s.balances[b.EmployeeID] = b
	}
	s.applyTail(tx)
	return nil
}

// applyTail appends the ledger entry, events and intents of tx. Callers hold
// the write lock.
func (s *MemoryStore) applyTail(tx Transition) {
	if tx.LedgerEntry != nil {
		e := *tx.LedgerEntry
		s.entries[e.EmployeeID] = append(s.entries[e.EmployeeID], e)
	}
	for _, evt := range tx.Events {
		s.events[evt.RequestID] = append(s.events[evt.RequestID], evt)
	}
	for _, in := range tx.Intents {
		s.outbox = append(s.outbox, outboxRow{intent: in})
	}
}

// ListRequests returns requests matching filters, newest first.
func (s *MemoryStore) ListRequests(_ context.Context, filters model.RequestFilters) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Request{}
	for _, req := range s.requests {
		if filters.RequesterID != "" && req.RequesterID != filters.RequesterID {
			continue
		}
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.Type != "" && req.Type != filters.Type {
			continue
		}
		if filters.ApproverID != "" && !s.isCurrentApprover(req, filters.ApproverID) {
			continue
		}
		result = append(result, req)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, filters.Offset, filters.Limit), nil
}

func (s *MemoryStore) isCurrentApprover(req model.Request, approverID string) bool {
	if req.CurrentStepOrder == nil {
		return false
	}
	for _, st := range s.steps[req.ID] {
		if st.StepOrder == *req.CurrentStepOrder {
			return st.ApproverID == approverID && st.Status == model.StepStatusPending
		}
	}
	return false
}

// ListEvents returns a request's audit trail.
func (s *MemoryStore) ListEvents(_ context.Context, requestID string) ([]model.RequestEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.requests[requestID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	events := s.events[requestID]
	result := make([]model.RequestEvent, len(events))
	copy(result, events)
	return result, nil
}

// GetBalance returns an employee's balance, or an empty one.
func (s *MemoryStore) GetBalance(_ context.Context, employeeID string) (model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, exists := s.balances[employeeID]; exists {
		return b, nil
	}
	return model.NewBalance(employeeID), nil
}

// ListLedgerEntries returns an employee's entries, newest first.
func (s *MemoryStore) ListLedgerEntries(_ context.Context, employeeID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[employeeID]
	result := make([]model.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
	}
	return paginate(result, 0, limit), nil
}

// PendingIntents returns undispatched intents in insertion order.
func (s *MemoryStore) PendingIntents(_ context.Context, limit int) ([]model.SideEffectIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SideEffectIntent
	for _, row := range s.outbox {
		if row.dispatchedAt != nil {
			continue
		}
		result = append(result, row.intent)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// MarkIntentsDispatched stamps the given intents as dispatched. Unknown ids
// are ignored.
func (s *MemoryStore) MarkIntentsDispatched(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.outbox {
		if want[s.outbox[i].intent.ID] && s.outbox[i].dispatchedAt == nil {
			t := at
			s.outbox[i].dispatchedAt = &t
		}
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the total number of requests. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// OutboxLen returns the number of outbox rows, dispatched or not. For testing.
func (s *MemoryStore) OutboxLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outbox)
}

func cloneSteps(steps []model.ApprovalStep) []model.ApprovalStep {
	out := make([]model.ApprovalStep, len(steps))
	copy(out, steps)
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
