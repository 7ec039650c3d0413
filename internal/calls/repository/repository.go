// Package repository persists call snapshots and their event history.
package repository

import (
	"context"
	"errors"
	"time"

	"callsync_backend/internal/calls/domain"
)

var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a session.
	ErrSnapshotNotFound = errors.New("call snapshot not found")
	// ErrVersionConflict is returned when the snapshot changed since it was read.
	ErrVersionConflict = errors.New("call snapshot version conflict")
	// ErrHistoryExists is returned when a history record with the same
	// idempotency key was already written.
	ErrHistoryExists = errors.New("call history record already exists")
)

// Store is the persistence contract for snapshots and history.
type Store interface {
	Get(ctx context.Context, sessionID string) (domain.Snapshot, error)
	GetMany(ctx context.Context, sessionIDs []string) (map[string]domain.Snapshot, error)
	// Apply writes snap and appends history in one transaction. snap.Version
	// must be the version that was read (0 for a new session); the stored
	// snapshot is returned with its new version and timestamps.
	Apply(ctx context.Context, snap domain.Snapshot, history domain.HistoryRecord) (domain.Snapshot, error)
	ListActive(ctx context.Context, limit int) ([]domain.Snapshot, error)
	ListFinalizedSince(ctx context.Context, since time.Time, limit int) ([]domain.Snapshot, error)
	History(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error)
}

const (
	defaultListLimit = 500
	maxListLimit     = 5000
)

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

const snapshotColumns = `session_id, status, is_final, last_event_time, started_at, answered_at, ended_at,
	direction, from_number, to_number, duration_sec, price, price_unit,
	recording_url, recording_sid, recording_duration_sec, transcript_url, transcript_text,
	version, created_at, updated_at`

const historyColumns = `id, session_id, idempotency_key, source, event_type, occurred_at, applied_at,
	previous_status, new_status, changes, payload`
