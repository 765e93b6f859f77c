package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/hrflow/model"
)

// Store persists requests, their approval steps, balances and the outbox of
// side-effect intents.
type Store interface {
	// CreateRequest persists a newly submitted request together with its
	// steps, audit events and outbox intents. Returns CONFLICT if the id is
	// taken.
	CreateRequest(ctx context.Context, tx Transition) error

	// GetRequest retrieves a request and its steps ordered by step order.
	// Returns NOT_FOUND if the request does not exist.
	GetRequest(ctx context.Context, requestID string) (model.Request, []model.ApprovalStep, error)

	// Commit applies a transition atomically. tx.Request.Version and
	// tx.Balance.Version are the versions the caller loaded; either one
	// having moved returns CONFLICT and nothing is written. A balance with
	// version 0 is created.
	Commit(ctx context.Context, tx Transition) error

	// ListRequests returns requests matching the filters, newest first.
	ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.Request, error)

	// ListEvents returns the audit trail of a request in the order it was
	// written.
	ListEvents(ctx context.Context, requestID string) ([]model.RequestEvent, error)

	// GetBalance returns an employee's balance. An employee without a stored
	// balance gets model.NewBalance with version 0.
	GetBalance(ctx context.Context, employeeID string) (model.Balance, error)

	// ListLedgerEntries returns an employee's ledger entries, newest first.
	ListLedgerEntries(ctx context.Context, employeeID string, limit int) ([]model.LedgerEntry, error)

	// PendingIntents returns up to limit undispatched outbox intents, oldest
	// first.
	PendingIntents(ctx context.Context, limit int) ([]model.SideEffectIntent, error)

	// MarkIntentsDispatched records that the given intents were handed to
	// the publisher.
	MarkIntentsDispatched(ctx context.Context, ids []string, at time.Time) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Transition is the unit of work written by Store.Commit. Request is nil for
// balance-only mutations such as grants.
type Transition struct {
	Request     *model.Request
	Steps       []model.ApprovalStep
	Balance     *model.Balance
	LedgerEntry *model.LedgerEntry
	Events      []model.RequestEvent
	Intents     []model.SideEffectIntent
}
