package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Field names used in history change lists.
const (
	FieldStatus               = "status"
	FieldIsFinal              = "is_final"
	FieldDirection            = "direction"
	FieldFromNumber           = "from_number"
	FieldToNumber             = "to_number"
	FieldStartedAt            = "started_at"
	FieldAnsweredAt           = "answered_at"
	FieldEndedAt              = "ended_at"
	FieldDurationSec          = "duration_sec"
	FieldPrice                = "price"
	FieldPriceUnit            = "price_unit"
	FieldRecordingURL         = "recording_url"
	FieldRecordingSID         = "recording_sid"
	FieldRecordingDurationSec = "recording_duration_sec"
	FieldTranscriptURL        = "transcript_url"
	FieldTranscriptText       = "transcript_text"
)

// enrichableFields is the closed set of fields that are set once and may
// arrive after the session is final or behind the high-water mark.
var enrichableFields = map[string]struct{}{
	FieldDurationSec:          {},
	FieldPrice:                {},
	FieldPriceUnit:            {},
	FieldRecordingURL:         {},
	FieldRecordingSID:         {},
	FieldRecordingDurationSec: {},
	FieldTranscriptURL:        {},
	FieldTranscriptText:       {},
}

// IsEnrichable reports whether field belongs to the set-once enrichment set.
func IsEnrichable(field string) bool {
	_, ok := enrichableFields[field]
	return ok
}

// Snapshot is the current believed state of one session.
type Snapshot struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
	IsFinal   bool   `json:"is_final"`
	// LastEventTime is the occurred_at of the newest applied status event.
	// Zero until the first status event.
	LastEventTime time.Time  `json:"last_event_time"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`

	Direction  string `json:"direction,omitempty"`
	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`

	DurationSec          *int    `json:"duration_sec,omitempty"`
	Price                *string `json:"price,omitempty"`
	PriceUnit            *string `json:"price_unit,omitempty"`
	RecordingURL         *string `json:"recording_url,omitempty"`
	RecordingSID         *string `json:"recording_sid,omitempty"`
	RecordingDurationSec *int    `json:"recording_duration_sec,omitempty"`
	TranscriptURL        *string `json:"transcript_url,omitempty"`
	TranscriptText       *string `json:"transcript_text,omitempty"`

	// Version increments on every write; zero means never persisted.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldChange records one field transition in a history record.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// HistoryRecord is the immutable audit row written for each applied event.
type HistoryRecord struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      string          `json:"session_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Source         Source          `json:"source"`
	EventType      EventType       `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	AppliedAt      time.Time       `json:"applied_at"`
	PreviousStatus Status          `json:"previous_status"`
	NewStatus      Status          `json:"new_status"`
	Changes        []FieldChange   `json:"changes"`
	Payload        json.RawMessage `json:"payload"`
}

// Clone returns a deep copy so reductions never alias the caller's pointers.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.AnsweredAt = cloneTime(s.AnsweredAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.DurationSec = clonePtr(s.DurationSec)
	out.Price = clonePtr(s.Price)
	out.PriceUnit = clonePtr(s.PriceUnit)
	out.RecordingURL = clonePtr(s.RecordingURL)
	out.RecordingSID = clonePtr(s.RecordingSID)
	out.RecordingDurationSec = clonePtr(s.RecordingDurationSec)
	out.TranscriptURL = clonePtr(s.TranscriptURL)
	out.TranscriptText = clonePtr(s.TranscriptText)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
