package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrations is the schema history, keyed by version. Applied versions are
// recorded in schema_migrations and never re-run.
var migrations = map[int]string{
	1: `
		CREATE TABLE requests (
			id                 UUID PRIMARY KEY,
			type               VARCHAR(32) NOT NULL,
			requester_id       VARCHAR(255) NOT NULL,
			status             VARCHAR(32) NOT NULL,
			current_step_order INT,
			payload            JSONB NOT NULL,
			version            BIGINT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			decided_at         TIMESTAMPTZ,
			archived_at        TIMESTAMPTZ
		);
		CREATE INDEX idx_requests_requester ON requests(requester_id, created_at DESC);
		CREATE INDEX idx_requests_status ON requests(status);

		CREATE TABLE approval_steps (
			request_id  UUID NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
			step_order  INT NOT NULL CHECK (step_order > 0),
			approver_id VARCHAR(255) NOT NULL,
			status      VARCHAR(16) NOT NULL,
			decided_at  TIMESTAMPTZ,
			comment     TEXT,
			PRIMARY KEY (request_id, step_order),
			UNIQUE (request_id, approver_id)
		);
		CREATE UNIQUE INDEX idx_approval_steps_one_pending
			ON approval_steps(request_id) WHERE status = 'pending';
		CREATE INDEX idx_approval_steps_inbox
			ON approval_steps(approver_id) WHERE status = 'pending';

		CREATE TABLE request_events (
			id         UUID PRIMARY KEY,
			request_id UUID NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
			seq        BIGSERIAL,
			step_order INT,
			event      VARCHAR(64) NOT NULL,
			actor_id   VARCHAR(255) NOT NULL,
			comment    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX idx_request_events_request ON request_events(request_id, seq);
	`,
	2: `
		CREATE TABLE balances (
			employee_id    VARCHAR(255) PRIMARY KEY,
			total_days     NUMERIC(10,2) NOT NULL,
			used_days      NUMERIC(10,2) NOT NULL CHECK (used_days >= 0),
			remaining_days NUMERIC(10,2) NOT NULL,
			version        BIGINT NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			CHECK (remaining_days = total_days - used_days)
		);

		CREATE TABLE ledger_entries (
			id             UUID PRIMARY KEY,
			employee_id    VARCHAR(255) NOT NULL,
			seq            BIGSERIAL,
			kind           VARCHAR(16) NOT NULL,
			days           NUMERIC(10,2) NOT NULL,
			reason         TEXT NOT NULL,
			request_id     UUID,
			actor_id       VARCHAR(255) NOT NULL,
			total_days     NUMERIC(10,2) NOT NULL,
			used_days      NUMERIC(10,2) NOT NULL,
			remaining_days NUMERIC(10,2) NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX idx_ledger_entries_employee ON ledger_entries(employee_id, seq DESC);
	`,
	3: `
		CREATE TABLE outbox (
			id                 UUID PRIMARY KEY,
			seq                BIGSERIAL,
			kind               VARCHAR(64) NOT NULL,
			request_id         UUID NOT NULL,
			target_employee_id VARCHAR(255),
			payload            JSONB NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL,
			dispatched_at      TIMESTAMPTZ
		);
		CREATE INDEX idx_outbox_pending ON outbox(seq) WHERE dispatched_at IS NULL;
	`,
}

// Migrate brings the schema up to the latest version. Each migration runs in
// its own transaction together with its schema_migrations row.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, v := range versions {
		if v <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migrations[v]); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		logger.Info("migration applied", zap.Int("version", v))
	}

	logger.Info("schema up to date", zap.Int("version", versions[len(versions)-1]))
	return nil
}
