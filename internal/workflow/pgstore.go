package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/hrflow/model"
)

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateRequest inserts a request with its steps, events and intents in one
// transaction.
func (s *PgStore) CreateRequest(ctx context.Context, t Transition) error {
	if t.Request == nil {
		return fmt.Errorf("create request: transition has no request")
	}
	req := *t.Request
	payload, err := model.EncodePayload(req.Payload)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO requests (
				id, type, requester_id, status, current_step_order,
				payload, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			req.ID, req.Type, req.RequesterID, req.Status, req.CurrentStepOrder,
			payload, req.Version, req.CreatedAt, req.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		batch := &pgx.Batch{}
		for _, st := range t.Steps {
			batch.Queue(`
				INSERT INTO approval_steps (request_id, step_order, approver_id, status)
				VALUES ($1, $2, $3, $4)`,
				st.RequestID, st.StepOrder, st.ApproverID, st.Status,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert approval steps: %w", err)
		}
		return s.writeTail(ctx, tx, t)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.TableName == "requests" {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	return err
}

// GetRequest retrieves a request and its ordered steps.
func (s *PgStore) GetRequest(ctx context.Context, requestID string) (model.Request, []model.ApprovalStep, error) {
	req, err := s.scanRequest(s.pool.QueryRow(ctx, `
		SELECT id, type, requester_id, status, current_step_order, payload,
		       version, created_at, updated_at, decided_at, archived_at
		FROM requests
		WHERE id = $1`,
		requestID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	if err != nil {
		return model.Request{}, nil, fmt.Errorf("query request: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT request_id, step_order, approver_id, status, decided_at, comment
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY step_order`,
		requestID,
	)
	if err != nil {
		return model.Request{}, nil, fmt.Errorf("query approval steps: %w", err)
	}
	defer rows.Close()

	var steps []model.ApprovalStep
	for rows.Next() {
		var st model.ApprovalStep
		if err := rows.Scan(&st.RequestID, &st.StepOrder, &st.ApproverID, &st.Status, &st.DecidedAt, &st.Comment); err != nil {
			return model.Request{}, nil, fmt.Errorf("scan approval step: %w", err)
		}
		steps = append(steps, st)
	}
	return req, steps, rows.Err()
}

// Commit applies a transition in one transaction. Versioned updates that
// touch no row roll the whole transaction back with CONFLICT.
func (s *PgStore) Commit(ctx context.Context, t Transition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if t.Request != nil {
			if err := s.updateRequest(ctx, tx, *t.Request, t.Steps); err != nil {
				return err
			}
		}
		if t.Balance != nil {
			if err := s.upsertBalance(ctx, tx, *t.Balance); err != nil {
				return err
			}
		}
		return s.writeTail(ctx, tx, t)
	})
}

func (s *PgStore) updateRequest(ctx context.Context, tx pgx.Tx, req model.Request, steps []model.ApprovalStep) error {
	tag, err := tx.Exec(ctx, `
		UPDATE requests SET
			status = $1,
			current_step_order = $2,
			version = $3,
			updated_at = $4,
			decided_at = $5,
			archived_at = $6
		WHERE id = $7 AND version = $8`,
		req.Status, req.CurrentStepOrder, req.Version+1, req.UpdatedAt,
		req.DecidedAt, req.ArchivedAt,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d)", req.ID, req.Version),
		)
	}

	// Ascending order closes the old pending step before opening the next,
	// which the one-pending index requires.
	ordered := cloneSteps(steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })
	for _, st := range ordered {
		if _, err := tx.Exec(ctx, `
			UPDATE approval_steps SET status = $1, decided_at = $2, comment = $3
			WHERE request_id = $4 AND step_order = $5`,
			st.Status, st.DecidedAt, st.Comment, st.RequestID, st.StepOrder,
		); err != nil {
			return fmt.Errorf("update approval step %d: %w", st.StepOrder, err)
		}
	}
	return nil
}

func (s *PgStore) upsertBalance(ctx context.Context, tx pgx.Tx, b model.Balance) error {
	now := time.Now().UTC()
	if b.Version == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO balances (employee_id, total_days, used_days, remaining_days, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)`,
			b.EmployeeID, b.TotalDays, b.UsedDays, b.RemainingDays, now,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(fmt.Sprintf("balance %q version conflict (expected 0)", b.EmployeeID))
		}
		if err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE balances SET
			total_days = $1, used_days = $2, remaining_days = $3,
			version = $4, updated_at = $5
		WHERE employee_id = $6 AND version = $7`,
		b.TotalDays, b.UsedDays, b.RemainingDays, b.Version+1, now,
		b.EmployeeID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("balance %q version conflict (expected %d)", b.EmployeeID, b.Version),
		)
	}
	return nil
}

// writeTail inserts the ledger entry, events and outbox intents of t.
func (s *PgStore) writeTail(ctx context.Context, tx pgx.Tx, t Transition) error {
	batch := &pgx.Batch{}
	if e := t.LedgerEntry; e != nil {
		var requestID *string
		if e.RequestID != "" {
			requestID = &e.RequestID
		}
		batch.Queue(`
			INSERT INTO ledger_entries (
				id, employee_id, kind, days, reason, request_id, actor_id,
				total_days, used_days, remaining_days, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.EmployeeID, e.Kind, e.Days, e.Reason, requestID, e.ActorID,
			e.TotalDays, e.UsedDays, e.RemainingDays, e.CreatedAt,
		)
	}
	for _, evt := range t.Events {
		batch.Queue(`
			INSERT INTO request_events (id, request_id, step_order, event, actor_id, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			evt.ID, evt.RequestID, evt.StepOrder, evt.Event, evt.ActorID, evt.Comment, evt.Timestamp,
		)
	}
	for _, in := range t.Intents {
		payload, err := json.Marshal(in.Payload)
		if err != nil {
			return fmt.Errorf("marshal intent payload: %w", err)
		}
		var target *string
		if in.TargetEmployeeID != "" {
			target = &in.TargetEmployeeID
		}
		batch.Queue(`
			INSERT INTO outbox (id, kind, request_id, target_employee_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			in.ID, in.Kind, in.RequestID, target, payload, in.CreatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write ledger, events and outbox: %w", err)
	}
	return nil
}

// ListRequests returns requests matching filters, newest first. ApproverID
// matches requests whose pending step belongs to that approver.
func (s *PgStore) ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.Request, error) {
	query := `SELECT r.id, r.type, r.requester_id, r.status, r.current_step_order, r.payload,
	                 r.version, r.created_at, r.updated_at, r.decided_at, r.archived_at
	          FROM requests r`
	args := []any{}
	argIdx := 1

	if filters.ApproverID != "" {
		query += fmt.Sprintf(`
	          JOIN approval_steps s ON s.request_id = r.id
	           AND s.step_order = r.current_step_order
	           AND s.status = 'pending'
	           AND s.approver_id = $%d`, argIdx)
		args = append(args, filters.ApproverID)
		argIdx++
	}
	query += " WHERE TRUE"
	if filters.RequesterID != "" {
		query += fmt.Sprintf(" AND r.requester_id = $%d", argIdx)
		args = append(args, filters.RequesterID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND r.status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Type != "" {
		query += fmt.Sprintf(" AND r.type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}

	query += " ORDER BY r.created_at DESC, r.id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	result := []model.Request{}
	for rows.Next() {
		req, err := s.scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// ListEvents returns a request's audit trail.
func (s *PgStore) ListEvents(ctx context.Context, requestID string) ([]model.RequestEvent, error) {
	if _, _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, step_order, event, actor_id, comment, created_at
		FROM request_events
		WHERE request_id = $1
		ORDER BY seq ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query request events: %w", err)
	}
	defer rows.Close()

	var events []model.RequestEvent
	for rows.Next() {
		var evt model.RequestEvent
		if err := rows.Scan(
			&evt.ID, &evt.RequestID, &evt.StepOrder, &evt.Event,
			&evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan request event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetBalance returns an employee's balance, or an empty one.
func (s *PgStore) GetBalance(ctx context.Context, employeeID string) (model.Balance, error) {
	var b model.Balance
	err := s.pool.QueryRow(ctx, `
		SELECT employee_id, total_days, used_days, remaining_days, version, updated_at
		FROM balances
		WHERE employee_id = $1`,
		employeeID,
	).Scan(&b.EmployeeID, &b.TotalDays, &b.UsedDays, &b.RemainingDays, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewBalance(employeeID), nil
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}

// ListLedgerEntries returns an employee's entries, newest first.
func (s *PgStore) ListLedgerEntries(ctx context.Context, employeeID string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id, employee_id, kind, days, reason, COALESCE(request_id::text, ''), actor_id,
	                 total_days, used_days, remaining_days, created_at
	          FROM ledger_entries
	          WHERE employee_id = $1
	          ORDER BY seq DESC`
	args := []any{employeeID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.EmployeeID, &e.Kind, &e.Days, &e.Reason, &e.RequestID, &e.ActorID,
			&e.TotalDays, &e.UsedDays, &e.RemainingDays, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingIntents returns undispatched intents, oldest first.
func (s *PgStore) PendingIntents(ctx context.Context, limit int) ([]model.SideEffectIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, request_id, COALESCE(target_employee_id, ''), payload, created_at
		FROM outbox
		WHERE dispatched_at IS NULL
		ORDER BY seq ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var intents []model.SideEffectIntent
	for rows.Next() {
		var in model.SideEffectIntent
		var payload []byte
		if err := rows.Scan(&in.ID, &in.Kind, &in.RequestID, &in.TargetEmployeeID, &payload, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if err := json.Unmarshal(payload, &in.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal intent %s payload: %w", in.ID, err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// MarkIntentsDispatched stamps the given intents as dispatched.
func (s *PgStore) MarkIntentsDispatched(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET dispatched_at = $1
		WHERE id = ANY($2) AND dispatched_at IS NULL`,
		at, ids,
	)
	if err != nil {
		return fmt.Errorf("mark intents dispatched: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) scanRequest(row pgx.Row) (model.Request, error) {
	var req model.Request
	var payload []byte
	if err := row.Scan(
		&req.ID, &req.Type, &req.RequesterID, &req.Status, &req.CurrentStepOrder, &payload,
		&req.Version, &req.CreatedAt, &req.UpdatedAt, &req.DecidedAt, &req.ArchivedAt,
	); err != nil {
		return model.Request{}, err
	}
	p, err := model.DecodePayload(payload)
	if err != nil {
		return model.Request{}, fmt.Errorf("decode request %s payload: %w", req.ID, err)
	}
	req.Payload = p
	return req, nil
}
