package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callsync_backend/platform/sqlite"
)

// SQLiteCursors is the embedded CursorStore.
type SQLiteCursors struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCursors creates a CursorStore backed by an already migrated database.
func NewSQLiteCursors(db *sql.DB) *SQLiteCursors {
	return &SQLiteCursors{db: db, now: time.Now}
}

func (s *SQLiteCursors) Acquire(ctx context.Context, job, owner string, ttl time.Duration) (Cursor, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `UPDATE reconcile_cursors
		SET locked_by = ?2, locked_until = ?3, updated_at = ?4
		WHERE job_name = ?1 AND (locked_until IS NULL OR locked_until < ?4 OR locked_by = ?2)
		RETURNING `+cursorColumns, job, owner, sqlite.Nanos(now.Add(ttl)), sqlite.Nanos(now))
	cur, err := scanSQLiteCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, job); getErr != nil {
			return Cursor{}, getErr
		}
		return Cursor{}, ErrJobLocked
	}
	return cur, err
}

func (s *SQLiteCursors) SaveProgress(ctx context.Context, job, owner string, position json.RawMessage) error {
	return s.exec(ctx, `UPDATE reconcile_cursors
		SET cursor = ?3, updated_at = ?4
		WHERE job_name = ?1 AND locked_by = ?2`, job, owner, nullJSON(position), sqlite.Nanos(s.now()))
}

func (s *SQLiteCursors) Complete(ctx context.Context, job, owner string, position json.RawMessage, at time.Time) error {
	return s.exec(ctx, `UPDATE reconcile_cursors
		SET cursor = ?3, last_success_at = ?4, locked_by = NULL, locked_until = NULL, updated_at = ?4
		WHERE job_name = ?1 AND locked_by = ?2`, job, owner, nullJSON(position), sqlite.Nanos(at))
}

func (s *SQLiteCursors) Fail(ctx context.Context, job, owner, lastError string, at time.Time) error {
	return s.exec(ctx, `UPDATE reconcile_cursors
		SET last_error = ?3, last_error_at = ?4, locked_by = NULL, locked_until = NULL, updated_at = ?4
		WHERE job_name = ?1 AND locked_by = ?2`, job, owner, lastError, sqlite.Nanos(at))
}

func (s *SQLiteCursors) Release(ctx context.Context, job, owner string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reconcile_cursors
		SET locked_by = NULL, locked_until = NULL
		WHERE job_name = ? AND locked_by = ?`, job, owner)
	return err
}

func (s *SQLiteCursors) Get(ctx context.Context, job string) (Cursor, error) {
	cur, err := scanSQLiteCursor(s.db.QueryRowContext(ctx, `SELECT `+cursorColumns+` FROM reconcile_cursors WHERE job_name = ?`, job))
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	return cur, err
}

func (s *SQLiteCursors) List(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cursorColumns+` FROM reconcile_cursors ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		cur, err := scanSQLiteCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

// exec runs a lease-conditioned write and maps zero affected rows to ErrLeaseLost.
func (s *SQLiteCursors) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCursor(row scanner) (Cursor, error) {
	var (
		c                          Cursor
		position, lastErr, lockBy  sql.NullString
		success, failed, lockUntil sql.NullInt64
		updated                    int64
	)
	if err := row.Scan(&c.JobName, &position, &success, &failed, &lastErr, &lockBy, &lockUntil, &updated); err != nil {
		return Cursor{}, err
	}
	if position.Valid && position.String != "" {
		c.Position = json.RawMessage(position.String)
	}
	c.LastSuccessAt = sqlite.TimePtr(success)
	c.LastErrorAt = sqlite.TimePtr(failed)
	c.LockedUntil = sqlite.TimePtr(lockUntil)
	if lastErr.Valid {
		c.LastError = &lastErr.String
	}
	if lockBy.Valid {
		c.LockedBy = &lockBy.String
	}
	c.UpdatedAt = sqlite.Time(updated)
	return c, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ CursorStore = (*SQLiteCursors)(nil)
