// Package repository implements inbox.Store for Postgres and SQLite.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/inbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, idempotency_key, source, event_type, session_id, occurred_at, payload,
	status, attempts, last_error, outcome, received_at, claimed_at, processed_at`

// Postgres is the pgx-backed inbox store. Claims use FOR UPDATE SKIP LOCKED
// so any number of workers can poll the same table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates an inbox store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (r *Postgres) Enqueue(ctx context.Context, e inbox.NewEntry) (inbox.EnqueueResult, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO call_inbox (id, idempotency_key, source, event_type, session_id, occurred_at, payload, status, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'received', now())
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.New(), e.IdempotencyKey, e.Source, e.EventType, e.SessionID, e.OccurredAt, []byte(e.Payload),
	)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return inbox.Duplicate, nil
	}
	return inbox.Accepted, nil
}

func (r *Postgres) Claim(ctx context.Context, limit int) ([]inbox.Entry, error) {
	if limit < 1 {
		limit = 10
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM call_inbox
		WHERE status = 'received'
		ORDER BY received_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE call_inbox i
	SET status = 'processing', claimed_at = now()
	FROM cte
	WHERE i.id = cte.id
	RETURNING `+prefixed("i.", entryColumns), limit)
	if err != nil {
		return nil, err
	}

	results, err := collectPgEntries(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sortByReceivedAt(results)
	return results, nil
}

func (r *Postgres) MarkProcessed(ctx context.Context, id uuid.UUID, outcome string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE call_inbox
		 SET status = 'processed', outcome = $2, processed_at = now()
		 WHERE id = $1`,
		id, outcome,
	)
	return err
}

func (r *Postgres) MarkRetry(ctx context.Context, id uuid.UUID, lastError string, maxRetries int) (inbox.Status, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE call_inbox
		 SET attempts = attempts + 1,
		     last_error = $2,
		     claimed_at = NULL,
		     status = CASE WHEN attempts + 1 >= $3 THEN 'dead_letter' ELSE 'received' END,
		     processed_at = CASE WHEN attempts + 1 >= $3 THEN now() ELSE NULL END
		 WHERE id = $1
		 RETURNING status`,
		id, lastError, maxRetries,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", inbox.ErrEntryNotFound
	}
	if err != nil {
		return "", err
	}
	return inbox.Status(status), nil
}

func (r *Postgres) MarkDeadLetter(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE call_inbox
		 SET status = 'dead_letter', last_error = $2, processed_at = now(), claimed_at = NULL
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func (r *Postgres) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_inbox
		 SET status = 'received', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < $1`,
		claimedBefore.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Postgres) Get(ctx context.Context, id uuid.UUID) (inbox.Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM call_inbox WHERE id = $1`, id)
	if err != nil {
		return inbox.Entry{}, err
	}
	entries, err := collectPgEntries(rows)
	if err != nil {
		return inbox.Entry{}, err
	}
	if len(entries) == 0 {
		return inbox.Entry{}, inbox.ErrEntryNotFound
	}
	return entries[0], nil
}

func (r *Postgres) ListDeadLetters(ctx context.Context, limit int, before time.Time) ([]inbox.Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM call_inbox
		WHERE status = 'dead_letter' AND received_at < $1
		ORDER BY received_at DESC
		LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectPgEntries(rows)
}

func (r *Postgres) Replay(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_inbox
		 SET status = 'received', attempts = 0, claimed_at = NULL, processed_at = NULL, outcome = NULL
		 WHERE id = $1 AND status IN ('dead_letter', 'failed')`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return inbox.ErrNotReplayable
	}
	return nil
}

func (r *Postgres) Stats(ctx context.Context) (map[inbox.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM call_inbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[inbox.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[inbox.Status(status)] = count
	}
	return out, rows.Err()
}

func collectPgEntries(rows pgx.Rows) ([]inbox.Entry, error) {
	defer rows.Close()

	var results []inbox.Entry
	for rows.Next() {
		var (
			e      inbox.Entry
			status string
		)
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Source, &e.EventType, &e.SessionID, &e.OccurredAt, &e.Payload,
			&status, &e.Attempts, &e.LastError, &e.Outcome, &e.ReceivedAt, &e.ClaimedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		e.Status = inbox.Status(status)
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var _ inbox.Store = (*Postgres)(nil)
