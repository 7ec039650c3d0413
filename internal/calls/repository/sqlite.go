package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/platform/sqlite"

	"github.com/google/uuid"
)

// SQLite is the Store used by single-node deployments and tests. Times are
// stored as unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a Store backed by an already migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLite) Get(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM call_sessions WHERE session_id = ?`, sessionID)
	snap, err := scanSQLiteSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (r *SQLite) GetMany(ctx context.Context, sessionIDs []string) (map[string]domain.Snapshot, error) {
	out := make(map[string]domain.Snapshot, len(sessionIDs))
	// SQLite caps bound parameters, so large sets are queried in chunks.
	const chunk = 500
	for start := 0; start < len(sessionIDs); start += chunk {
		ids := sessionIDs[start:min(start+chunk, len(sessionIDs))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		snaps, err := r.list(ctx, `SELECT `+snapshotColumns+` FROM call_sessions WHERE session_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			out[snap.SessionID] = snap
		}
	}
	return out, nil
}

func (r *SQLite) Apply(ctx context.Context, snap domain.Snapshot, history domain.HistoryRecord) (domain.Snapshot, error) {
	now := time.Now().UTC()
	prev := snap.Version

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{
		snap.SessionID, string(snap.Status), snap.IsFinal, sqlite.NullNanos(nullTime(snap.LastEventTime)),
		sqlite.NullNanos(snap.StartedAt), sqlite.NullNanos(snap.AnsweredAt), sqlite.NullNanos(snap.EndedAt),
		snap.Direction, snap.FromNumber, snap.ToNumber, nullInt(snap.DurationSec), nullString(snap.Price), nullString(snap.PriceUnit),
		nullString(snap.RecordingURL), nullString(snap.RecordingSID), nullInt(snap.RecordingDurationSec),
		nullString(snap.TranscriptURL), nullString(snap.TranscriptText),
		sqlite.Nanos(now),
	}

	var res sql.Result
	if prev == 0 {
		res, err = tx.ExecContext(ctx, `INSERT INTO call_sessions (
				session_id, status, is_final, last_event_time, started_at, answered_at, ended_at,
				direction, from_number, to_number, duration_sec, price, price_unit,
				recording_url, recording_sid, recording_duration_sec, transcript_url, transcript_text,
				version, created_at, updated_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17, ?18, 1, ?19, ?19)
			ON CONFLICT (session_id) DO NOTHING`, args...)
		snap.CreatedAt = now
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE call_sessions SET
				status = ?2, is_final = ?3, last_event_time = ?4, started_at = ?5, answered_at = ?6, ended_at = ?7,
				direction = ?8, from_number = ?9, to_number = ?10, duration_sec = ?11, price = ?12, price_unit = ?13,
				recording_url = ?14, recording_sid = ?15, recording_duration_sec = ?16,
				transcript_url = ?17, transcript_text = ?18,
				version = version + 1, updated_at = ?19
			WHERE session_id = ?1 AND version = ?20`, append(args, prev)...)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Snapshot{}, err
	}
	if affected == 0 {
		return domain.Snapshot{}, ErrVersionConflict
	}

	history = prepareHistory(history, now)
	changes, err := json.Marshal(history.Changes)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marshal changes: %w", err)
	}

	res, err = tx.ExecContext(ctx, `INSERT INTO call_event_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		history.ID.String(), history.SessionID, history.IdempotencyKey, string(history.Source), string(history.EventType),
		sqlite.Nanos(history.OccurredAt), sqlite.Nanos(history.AppliedAt),
		string(history.PreviousStatus), string(history.NewStatus), string(changes), string(history.Payload),
	)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("append history: %w", err)
	}
	if affected, err = res.RowsAffected(); err != nil {
		return domain.Snapshot{}, err
	}
	if affected == 0 {
		return domain.Snapshot{}, ErrHistoryExists
	}

	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, err
	}

	snap.Version = prev + 1
	snap.UpdatedAt = now
	return snap, nil
}

func (r *SQLite) ListActive(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM call_sessions
		WHERE is_final = 0
		ORDER BY updated_at ASC
		LIMIT ?`, clampLimit(limit))
}

func (r *SQLite) ListFinalizedSince(ctx context.Context, since time.Time, limit int) ([]domain.Snapshot, error) {
	return r.list(ctx, `SELECT `+snapshotColumns+` FROM call_sessions
		WHERE is_final = 1 AND ended_at >= ?
		ORDER BY ended_at ASC
		LIMIT ?`, sqlite.Nanos(since), clampLimit(limit))
}

func (r *SQLite) list(ctx context.Context, query string, args ...any) ([]domain.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		snap, err := scanSQLiteSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *SQLite) History(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM call_event_history
		WHERE session_id = ?
		ORDER BY occurred_at ASC, applied_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var (
			rec                   domain.HistoryRecord
			id, source, eventType string
			prevStatus, newState  string
			changes, payload      string
			occurredAt, appliedAt int64
		)
		if err := rows.Scan(&id, &rec.SessionID, &rec.IdempotencyKey, &source, &eventType,
			&occurredAt, &appliedAt, &prevStatus, &newState, &changes, &payload); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse history id: %w", err)
		}
		rec.Source = domain.Source(source)
		rec.EventType = domain.EventType(eventType)
		rec.OccurredAt = sqlite.Time(occurredAt)
		rec.AppliedAt = sqlite.Time(appliedAt)
		rec.PreviousStatus = domain.Status(prevStatus)
		rec.NewStatus = domain.Status(newState)
		if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSQLiteSnapshot(row rowScanner) (domain.Snapshot, error) {
	var (
		snap                                domain.Snapshot
		status                              string
		lastEvent, started, answered, ended sql.NullInt64
		duration, recordingDuration         sql.NullInt64
		price, priceUnit                    sql.NullString
		recordingURL, recordingSID          sql.NullString
		transcriptURL, transcriptText       sql.NullString
		createdAt, updatedAt                int64
	)
	err := row.Scan(&snap.SessionID, &status, &snap.IsFinal, &lastEvent, &started, &answered, &ended,
		&snap.Direction, &snap.FromNumber, &snap.ToNumber, &duration, &price, &priceUnit,
		&recordingURL, &recordingSID, &recordingDuration, &transcriptURL, &transcriptText,
		&snap.Version, &createdAt, &updatedAt)
	if err != nil {
		return domain.Snapshot{}, err
	}

	snap.Status = domain.Status(status)
	if lastEvent.Valid {
		snap.LastEventTime = sqlite.Time(lastEvent.Int64)
	}
	snap.StartedAt = sqlite.TimePtr(started)
	snap.AnsweredAt = sqlite.TimePtr(answered)
	snap.EndedAt = sqlite.TimePtr(ended)
	snap.DurationSec = intPtr(duration)
	snap.RecordingDurationSec = intPtr(recordingDuration)
	snap.Price = stringPtr(price)
	snap.PriceUnit = stringPtr(priceUnit)
	snap.RecordingURL = stringPtr(recordingURL)
	snap.RecordingSID = stringPtr(recordingSID)
	snap.TranscriptURL = stringPtr(transcriptURL)
	snap.TranscriptText = stringPtr(transcriptText)
	snap.CreatedAt = sqlite.Time(createdAt)
	snap.UpdatedAt = sqlite.Time(updatedAt)
	return snap, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

var _ Store = (*SQLite)(nil)
