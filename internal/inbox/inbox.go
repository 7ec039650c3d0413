// Package inbox is the durable entry point for every call event. Events
// are stored under an idempotency key, then claimed and reduced by Worker.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	// StatusFailed is part of the stored lifecycle but transient failures
	// go straight back to received, so the worker never writes it.
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// EnqueueResult tells the caller whether the key was new.
type EnqueueResult string

const (
	Accepted  EnqueueResult = "accepted"
	Duplicate EnqueueResult = "duplicate"
)

var (
	// ErrEntryNotFound is returned when no entry exists for an id.
	ErrEntryNotFound = errors.New("inbox entry not found")
	// ErrNotReplayable is returned when replaying an entry that is not dead-lettered.
	ErrNotReplayable = errors.New("inbox entry is not dead-lettered")
)

// Entry is one stored event.
type Entry struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         string          `json:"source"`
	EventType      string          `json:"event_type"`
	SessionID      string          `json:"session_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	Outcome        *string         `json:"outcome,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// NewEntry is the input to Enqueue.
type NewEntry struct {
	IdempotencyKey string
	Source         string
	EventType      string
	SessionID      string
	OccurredAt     time.Time
	Payload        json.RawMessage
}

// Store is the persistence contract of the inbox. Claim must be atomic
// across processes: an entry is returned by at most one concurrent call.
type Store interface {
	Enqueue(ctx context.Context, e NewEntry) (EnqueueResult, error)
	Claim(ctx context.Context, limit int) ([]Entry, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, outcome string) error
	// MarkRetry records a transient failure. It increments attempts and
	// moves the entry to received, or to dead_letter once attempts
	// reaches maxRetries. The resulting status is returned.
	MarkRetry(ctx context.Context, id uuid.UUID, lastError string, maxRetries int) (Status, error)
	MarkDeadLetter(ctx context.Context, id uuid.UUID, lastError string) error
	// RequeueStale returns entries claimed before the cutoff to received.
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	ListDeadLetters(ctx context.Context, limit int, before time.Time) ([]Entry, error)
	// Replay moves a dead-lettered entry back to received with attempts reset.
	Replay(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (map[Status]int, error)
}

// Normalized returns e with a UTC occurred_at and a payload that is always
// valid JSON. Undecodable bodies are kept under "raw" so the worker can
// dead-letter them with a reason instead of losing them at the edge.
func (e NewEntry) Normalized() NewEntry {
	switch {
	case len(e.Payload) == 0:
		e.Payload = json.RawMessage("{}")
	case !json.Valid(e.Payload):
		wrapped, _ := json.Marshal(map[string]string{"raw": string(e.Payload)})
		e.Payload = wrapped
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e
}
