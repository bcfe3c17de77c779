// Package outbox drains the transactional outbox table onto the broker.
//
// Rows are written by the platform's CRUD services in the same database
// transaction as their business data; this package polls them in id
// order, publishes change events to cdc.<aggregate_type>, and marks rows
// processed together with the consumer checkpoint in one transaction.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ChangeType is the outbox row operation.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Record is one outbox row. ID is monotonic; ProcessedAt transitions
// from NULL to a timestamp exactly once.
type Record struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     ChangeType      `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// Store wraps the relational tables behind the reader.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres connection pool for the outbox tables.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing pool (used by tests).
func NewStoreWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the outbox and checkpoint tables idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	event_data     JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_events_unprocessed
	ON outbox_events (id) WHERE processed_at IS NULL;
CREATE TABLE IF NOT EXISTS cdc_checkpoint (
	consumer_name     TEXT PRIMARY KEY,
	last_processed_id BIGINT      NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}
	return nil
}

// Checkpoint returns the last processed outbox id for consumer, zero when
// the consumer has never run.
func (s *Store) Checkpoint(ctx context.Context, consumer string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_id FROM cdc_checkpoint WHERE consumer_name = $1`,
		consumer).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", consumer, err)
	}
	return id, nil
}

// FetchUnprocessed returns up to limit unprocessed rows after afterID, in
// id order.
func (s *Store) FetchUnprocessed(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
FROM outbox_events
WHERE processed_at IS NULL AND id > $1
ORDER BY id
LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox rows: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.AggregateType, &r.EventType,
			&r.EventData, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteBatch marks the rows processed and advances the checkpoint in a
// single transaction. The checkpoint update is guarded against going
// backwards; a regression aborts the transaction.
func (s *Store) CompleteBatch(ctx context.Context, consumer string, ids []int64, lastID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete-batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = now() WHERE id = ANY($1) AND processed_at IS NULL`,
		pq.Array(ids)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO cdc_checkpoint (consumer_name, last_processed_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (consumer_name) DO UPDATE
	SET last_processed_id = EXCLUDED.last_processed_id, updated_at = now()
	WHERE cdc_checkpoint.last_processed_id < EXCLUDED.last_processed_id`,
		consumer, lastID)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("checkpoint for %s would regress to %d", consumer, lastID)
	}

	return tx.Commit()
}

// VerifyIntegrity refuses startup when the table contradicts the
// checkpoint: a row beyond the checkpoint already marked processed means
// some other writer advanced the table without the checkpoint, and
// continuing could skip or double-publish changes.
func (s *Store) VerifyIntegrity(ctx context.Context, consumer string) error {
	checkpoint, err := s.Checkpoint(ctx, consumer)
	if err != nil {
		return err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox_events WHERE processed_at IS NOT NULL AND id > $1`,
		checkpoint).Scan(&n)
	if err != nil {
		return fmt.Errorf("integrity probe: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("integrity violation: %d rows past checkpoint %d are already marked processed",
			n, checkpoint)
	}
	return nil
}
