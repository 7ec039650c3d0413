package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies which channel produced an event.
type Source string

const (
	SourceWebhook       Source = "webhook"
	SourceReconcileHot  Source = "reconcile_hot"
	SourceReconcileWarm Source = "reconcile_warm"
	SourceReconcileCold Source = "reconcile_cold"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceWebhook, SourceReconcileHot, SourceReconcileWarm, SourceReconcileCold:
		return true
	default:
		return false
	}
}

// Event is a decoded, timestamped fact about one session.
type Event struct {
	SessionID      string
	Source         Source
	OccurredAt     time.Time
	IdempotencyKey string
	Payload        Payload
	// Raw is the payload as received, kept for the history record.
	Raw json.RawMessage
}

// Type returns the payload discriminant.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// IdempotencyKey builds provider:session:discriminator:occurred_at with
// the time in UTC RFC 3339 with nanoseconds.
func IdempotencyKey(provider, sessionID string, p Payload, occurredAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", provider, sessionID, p.Discriminator(), occurredAt.UTC().Format(time.RFC3339Nano))
}
