package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/inbox"
	"callsync_backend/platform/sqlite"

	"github.com/google/uuid"
)

// SQLite is the embedded inbox store. The connection pool is capped at one
// connection, which makes the claim UPDATE atomic across workers.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates an inbox store backed by an already migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (r *SQLite) Enqueue(ctx context.Context, e inbox.NewEntry) (inbox.EnqueueResult, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO call_inbox (id, idempotency_key, source, event_type, session_id, occurred_at, payload, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'received', ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.New().String(), e.IdempotencyKey, e.Source, e.EventType, e.SessionID,
		sqlite.Nanos(e.OccurredAt), string(e.Payload), sqlite.Nanos(r.now()),
	)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return inbox.Duplicate, nil
	}
	return inbox.Accepted, nil
}

func (r *SQLite) Claim(ctx context.Context, limit int) ([]inbox.Entry, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `UPDATE call_inbox
		SET status = 'processing', claimed_at = ?
		WHERE id IN (
			SELECT id FROM call_inbox
			WHERE status = 'received'
			ORDER BY received_at ASC
			LIMIT ?
		)
		RETURNING `+entryColumns, sqlite.Nanos(r.now()), limit)
	if err != nil {
		return nil, err
	}
	entries, err := collectSQLiteEntries(rows)
	if err != nil {
		return nil, err
	}
	sortByReceivedAt(entries)
	return entries, nil
}

func (r *SQLite) MarkProcessed(ctx context.Context, id uuid.UUID, outcome string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_inbox SET status = 'processed', outcome = ?, processed_at = ? WHERE id = ?`,
		outcome, sqlite.Nanos(r.now()), id.String(),
	)
	return err
}

func (r *SQLite) MarkRetry(ctx context.Context, id uuid.UUID, lastError string, maxRetries int) (inbox.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`UPDATE call_inbox
		 SET attempts = attempts + 1,
		     last_error = ?1,
		     claimed_at = NULL,
		     status = CASE WHEN attempts + 1 >= ?2 THEN 'dead_letter' ELSE 'received' END,
		     processed_at = CASE WHEN attempts + 1 >= ?2 THEN ?3 ELSE NULL END
		 WHERE id = ?4
		 RETURNING status`,
		lastError, maxRetries, sqlite.Nanos(r.now()), id.String(),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", inbox.ErrEntryNotFound
	}
	if err != nil {
		return "", err
	}
	return inbox.Status(status), nil
}

func (r *SQLite) MarkDeadLetter(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_inbox
		 SET status = 'dead_letter', last_error = ?, processed_at = ?, claimed_at = NULL
		 WHERE id = ?`,
		lastError, sqlite.Nanos(r.now()), id.String(),
	)
	return err
}

func (r *SQLite) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_inbox
		 SET status = 'received', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < ?`,
		sqlite.Nanos(claimedBefore),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SQLite) Get(ctx context.Context, id uuid.UUID) (inbox.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM call_inbox WHERE id = ?`, id.String())
	if err != nil {
		return inbox.Entry{}, err
	}
	entries, err := collectSQLiteEntries(rows)
	if err != nil {
		return inbox.Entry{}, err
	}
	if len(entries) == 0 {
		return inbox.Entry{}, inbox.ErrEntryNotFound
	}
	return entries[0], nil
}

func (r *SQLite) ListDeadLetters(ctx context.Context, limit int, before time.Time) ([]inbox.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM call_inbox
		WHERE status = 'dead_letter' AND received_at < ?
		ORDER BY received_at DESC
		LIMIT ?`, sqlite.Nanos(before), limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteEntries(rows)
}

func (r *SQLite) Replay(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_inbox
		 SET status = 'received', attempts = 0, claimed_at = NULL, processed_at = NULL, outcome = NULL
		 WHERE id = ? AND status IN ('dead_letter', 'failed')`,
		id.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return inbox.ErrNotReplayable
	}
	return nil
}

func (r *SQLite) Stats(ctx context.Context) (map[inbox.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM call_inbox GROUP BY status`)
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

func collectSQLiteEntries(rows *sql.Rows) ([]inbox.Entry, error) {
	defer rows.Close()

	var results []inbox.Entry
	for rows.Next() {
		var (
			e                      inbox.Entry
			id, status, payload    string
			occurredAt, receivedAt int64
			lastError, outcome     sql.NullString
			claimedAt, processedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &e.IdempotencyKey, &e.Source, &e.EventType, &e.SessionID, &occurredAt, &payload,
			&status, &e.Attempts, &lastError, &outcome, &receivedAt, &claimedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		e.ID = parsed
		e.Status = inbox.Status(status)
		e.Payload = []byte(payload)
		e.OccurredAt = sqlite.Time(occurredAt)
		e.ReceivedAt = sqlite.Time(receivedAt)
		e.ClaimedAt = sqlite.TimePtr(claimedAt)
		e.ProcessedAt = sqlite.TimePtr(processedAt)
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		if outcome.Valid {
			e.Outcome = &outcome.String
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var _ inbox.Store = (*SQLite)(nil)
