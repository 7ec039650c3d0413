package inbox

import (
	"errors"
	"strings"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/platform/apperr"
	"callsync_backend/platform/phone"
)

var errMissingSessionID = errors.New("session_id is required")

// Decoder turns a stored entry into a typed domain event.
type Decoder struct {
	numbers phone.Normalizer
}

// NewDecoder creates a Decoder that normalizes caller and callee numbers.
func NewDecoder(numbers phone.Normalizer) *Decoder {
	return &Decoder{numbers: numbers}
}

// Decode returns the typed event for e. All errors are permanent.
func (d *Decoder) Decode(e Entry) (domain.Event, error) {
	sessionID := strings.TrimSpace(e.SessionID)
	if sessionID == "" {
		return domain.Event{}, apperr.Permanent("decode inbox entry", errMissingSessionID)
	}
	if e.OccurredAt.IsZero() {
		return domain.Event{}, apperr.Permanent("decode inbox entry", errors.New("occurred_at is required"))
	}

	payload, err := domain.DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return domain.Event{}, apperr.Permanent("decode inbox entry", err)
	}

	if sp, ok := payload.(domain.StatusPayload); ok {
		sp.From = d.numbers.E164(sp.From)
		sp.To = d.numbers.E164(sp.To)
		sp.Direction = strings.ToLower(strings.TrimSpace(sp.Direction))
		payload = sp
	}

	return domain.Event{
		SessionID:      sessionID,
		Source:         domain.Source(e.Source),
		OccurredAt:     e.OccurredAt.UTC(),
		IdempotencyKey: e.IdempotencyKey,
		Payload:        payload,
		Raw:            e.Payload,
	}, nil
}

// EntryFromEvent renders a synthesized event as an inbox entry.
func EntryFromEvent(ev domain.Event) (NewEntry, error) {
	raw, err := domain.EncodePayload(ev.Payload)
	if err != nil {
		return NewEntry{}, err
	}
	return NewEntry{
		IdempotencyKey: ev.IdempotencyKey,
		Source:         string(ev.Source),
		EventType:      string(ev.Type()),
		SessionID:      ev.SessionID,
		OccurredAt:     ev.OccurredAt,
		Payload:        raw,
	}, nil
}
