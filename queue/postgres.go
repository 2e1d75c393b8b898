package queue

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pending_mutations (
    id              BIGSERIAL PRIMARY KEY,
    version         INTEGER NOT NULL DEFAULT 1,
    url             TEXT    NOT NULL,
    method          TEXT    NOT NULL,
    headers         JSONB   NOT NULL DEFAULT '{}'::jsonb,
    body            BYTEA,
    timestamp       BIGINT  NOT NULL,
    idempotency_key TEXT    NOT NULL DEFAULT ''
)`

// Postgres is a Store on a shared Postgres database, for agents that run
// next to the application's own database instead of on a local disk.
// The caller owns the pool.
type Postgres struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

var _ Store = (*Postgres)(nil)

// NewPostgres ensures the queue table exists and returns the store
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, e Entry) (int64, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if e.Version == 0 {
		e.Version = RecordVersion
	}
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO pending_mutations
		(version, url, method, headers, body, timestamp, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.Version, e.URL, e.Method, headers, e.Body, e.Timestamp, e.IdempotencyKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	return id, nil
}

func (p *Postgres) List(ctx context.Context) ([]Entry, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, version, url, method, headers, body, timestamp, idempotency_key
		FROM pending_mutations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.Version, &e.URL, &e.Method, &e.Headers, &e.Body, &e.Timestamp, &e.IdempotencyKey)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
	}
	return entries, nil
}

func (p *Postgres) Len(ctx context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (p *Postgres) Clear(ctx context.Context, throughID int64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM pending_mutations WHERE id <= $1`, throughID); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// Close marks the store closed; the pool stays open
func (p *Postgres) Close() error {
	p.closed.Store(true)
	return nil
}
