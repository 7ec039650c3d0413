package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/calls/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (r *Postgres) Get(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM call_sessions WHERE session_id = $1`, sessionID)
	snap, err := scanPgSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (r *Postgres) GetMany(ctx context.Context, sessionIDs []string) (map[string]domain.Snapshot, error) {
	out := make(map[string]domain.Snapshot, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT `+snapshotColumns+` FROM call_sessions WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out[snap.SessionID] = snap
	}
	return out, rows.Err()
}

func (r *Postgres) Apply(ctx context.Context, snap domain.Snapshot, history domain.HistoryRecord) (domain.Snapshot, error) {
	now := time.Now().UTC()
	prev := snap.Version

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := []any{
		snap.SessionID, string(snap.Status), snap.IsFinal, nullTime(snap.LastEventTime),
		snap.StartedAt, snap.AnsweredAt, snap.EndedAt,
		snap.Direction, snap.FromNumber, snap.ToNumber, snap.DurationSec, snap.Price, snap.PriceUnit,
		snap.RecordingURL, snap.RecordingSID, snap.RecordingDurationSec, snap.TranscriptURL, snap.TranscriptText,
		now,
	}

	var tag pgconn.CommandTag
	if prev == 0 {
		tag, err = tx.Exec(ctx, `INSERT INTO call_sessions (
				session_id, status, is_final, last_event_time, started_at, answered_at, ended_at,
				direction, from_number, to_number, duration_sec, price, price_unit,
				recording_url, recording_sid, recording_duration_sec, transcript_url, transcript_text,
				version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1, $19, $19)
			ON CONFLICT (session_id) DO NOTHING`, args...)
		snap.CreatedAt = now
	} else {
		tag, err = tx.Exec(ctx, `UPDATE call_sessions SET
				status = $2, is_final = $3, last_event_time = $4, started_at = $5, answered_at = $6, ended_at = $7,
				direction = $8, from_number = $9, to_number = $10, duration_sec = $11, price = $12, price_unit = $13,
				recording_url = $14, recording_sid = $15, recording_duration_sec = $16,
				transcript_url = $17, transcript_text = $18,
				version = version + 1, updated_at = $19
			WHERE session_id = $1 AND version = $20`, append(args, prev)...)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Snapshot{}, ErrVersionConflict
	}

	history = prepareHistory(history, now)
	changes, err := json.Marshal(history.Changes)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marshal changes: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO call_event_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		history.ID, history.SessionID, history.IdempotencyKey, string(history.Source), string(history.EventType),
		history.OccurredAt, history.AppliedAt, string(history.PreviousStatus), string(history.NewStatus),
		changes, []byte(history.Payload),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Snapshot{}, ErrHistoryExists
		}
		return domain.Snapshot{}, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Snapshot{}, err
	}

	snap.Version = prev + 1
	snap.UpdatedAt = now
	return snap, nil
}

func (r *Postgres) ListActive(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM call_sessions
		WHERE is_final = false
		ORDER BY updated_at ASC
		LIMIT $1`, clampLimit(limit))
}

func (r *Postgres) ListFinalizedSince(ctx context.Context, since time.Time, limit int) ([]domain.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM call_sessions
		WHERE is_final = true AND ended_at >= $1
		ORDER BY ended_at ASC
		LIMIT $2`, since.UTC(), clampLimit(limit))
}

func (r *Postgres) list(ctx context.Context, query string, args ...any) ([]domain.Snapshot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *Postgres) History(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+historyColumns+` FROM call_event_history
		WHERE session_id = $1
		ORDER BY occurred_at ASC, applied_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var (
			rec                  domain.HistoryRecord
			source, eventType    string
			prevStatus, newState string
			changes, payload     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.IdempotencyKey, &source, &eventType,
			&rec.OccurredAt, &rec.AppliedAt, &prevStatus, &newState, &changes, &payload); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Source = domain.Source(source)
		rec.EventType = domain.EventType(eventType)
		rec.PreviousStatus = domain.Status(prevStatus)
		rec.NewStatus = domain.Status(newState)
		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPgSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		snap          domain.Snapshot
		status        string
		lastEventTime *time.Time
	)
	err := row.Scan(&snap.SessionID, &status, &snap.IsFinal, &lastEventTime,
		&snap.StartedAt, &snap.AnsweredAt, &snap.EndedAt,
		&snap.Direction, &snap.FromNumber, &snap.ToNumber, &snap.DurationSec, &snap.Price, &snap.PriceUnit,
		&snap.RecordingURL, &snap.RecordingSID, &snap.RecordingDurationSec, &snap.TranscriptURL, &snap.TranscriptText,
		&snap.Version, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Status = domain.Status(status)
	if lastEventTime != nil {
		snap.LastEventTime = lastEventTime.UTC()
	}
	return snap, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func prepareHistory(h domain.HistoryRecord, now time.Time) domain.HistoryRecord {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.AppliedAt = now
	if h.Changes == nil {
		h.Changes = []domain.FieldChange{}
	}
	if len(h.Payload) == 0 {
		h.Payload = json.RawMessage("{}")
	}
	return h
}

var _ Store = (*Postgres)(nil)
