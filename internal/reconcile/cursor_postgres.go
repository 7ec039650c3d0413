package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cursorColumns = `job_name, cursor, last_success_at, last_error_at, last_error, locked_by, locked_until, updated_at`

// PostgresCursors is the pgx-backed CursorStore.
type PostgresCursors struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresCursors creates a CursorStore backed by pool.
func NewPostgresCursors(pool *pgxpool.Pool) *PostgresCursors {
	return &PostgresCursors{pool: pool, now: time.Now}
}

func (s *PostgresCursors) Acquire(ctx context.Context, job, owner string, ttl time.Duration) (Cursor, error) {
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx, `UPDATE reconcile_cursors
		SET locked_by = $2, locked_until = $3, updated_at = $4
		WHERE job_name = $1 AND (locked_until IS NULL OR locked_until < $4 OR locked_by = $2)
		RETURNING `+cursorColumns, job, owner, now.Add(ttl), now)
	cur, err := scanPgCursor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, job); getErr != nil {
			return Cursor{}, getErr
		}
		return Cursor{}, ErrJobLocked
	}
	return cur, err
}

func (s *PostgresCursors) SaveProgress(ctx context.Context, job, owner string, position json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reconcile_cursors
		SET cursor = $3, updated_at = $4
		WHERE job_name = $1 AND locked_by = $2`, job, owner, []byte(position), s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresCursors) Complete(ctx context.Context, job, owner string, position json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reconcile_cursors
		SET cursor = $3, last_success_at = $4, locked_by = NULL, locked_until = NULL, updated_at = $4
		WHERE job_name = $1 AND locked_by = $2`, job, owner, []byte(position), at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresCursors) Fail(ctx context.Context, job, owner, lastError string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reconcile_cursors
		SET last_error = $3, last_error_at = $4, locked_by = NULL, locked_until = NULL, updated_at = $4
		WHERE job_name = $1 AND locked_by = $2`, job, owner, lastError, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresCursors) Release(ctx context.Context, job, owner string) error {
	_, err := s.pool.Exec(ctx, `UPDATE reconcile_cursors
		SET locked_by = NULL, locked_until = NULL
		WHERE job_name = $1 AND locked_by = $2`, job, owner)
	return err
}

func (s *PostgresCursors) Get(ctx context.Context, job string) (Cursor, error) {
	cur, err := scanPgCursor(s.pool.QueryRow(ctx, `SELECT `+cursorColumns+` FROM reconcile_cursors WHERE job_name = $1`, job))
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	return cur, err
}

func (s *PostgresCursors) List(ctx context.Context) ([]Cursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+cursorColumns+` FROM reconcile_cursors ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		cur, err := scanPgCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

func scanPgCursor(row pgx.Row) (Cursor, error) {
	var (
		c        Cursor
		position []byte
	)
	if err := row.Scan(&c.JobName, &position, &c.LastSuccessAt, &c.LastErrorAt, &c.LastError,
		&c.LockedBy, &c.LockedUntil, &c.UpdatedAt); err != nil {
		return Cursor{}, err
	}
	if len(position) > 0 {
		c.Position = position
	}
	return c, nil
}

var _ CursorStore = (*PostgresCursors)(nil)
