package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the discriminant of the payload union.
type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeRecording  EventType = "recording"
	EventTypeTranscript EventType = "transcript"
	EventTypeBilling    EventType = "billing"
)

var (
	// ErrUnknownEventType is returned for an event_type outside the union.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Payload is the typed body of an event. The set of implementations is closed.
type Payload interface {
	EventType() EventType
	// Discriminator distinguishes two events of the same type and time
	// when building an idempotency key.
	Discriminator() string
	isPayload()
}

// StatusPayload reports a lifecycle transition plus call metadata.
type StatusPayload struct {
	Status      Status     `json:"status"`
	Direction   string     `json:"direction,omitempty"`
	From        string     `json:"from,omitempty"`
	To          string     `json:"to,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationSec *int       `json:"duration_sec,omitempty"`
}

// RecordingPayload announces that a recording is available.
type RecordingPayload struct {
	URL         string `json:"recording_url"`
	SID         string `json:"recording_sid,omitempty"`
	DurationSec *int   `json:"duration_sec,omitempty"`
}

// TranscriptPayload announces that a transcript is available.
type TranscriptPayload struct {
	URL  string `json:"transcript_url,omitempty"`
	Text string `json:"text,omitempty"`
}

// BillingPayload carries the final price and billed duration.
type BillingPayload struct {
	Price       string `json:"price"`
	PriceUnit   string `json:"price_unit,omitempty"`
	DurationSec *int   `json:"duration_sec,omitempty"`
}

func (StatusPayload) EventType() EventType     { return EventTypeStatus }
func (RecordingPayload) EventType() EventType  { return EventTypeRecording }
func (TranscriptPayload) EventType() EventType { return EventTypeTranscript }
func (BillingPayload) EventType() EventType    { return EventTypeBilling }

func (p StatusPayload) Discriminator() string   { return string(p.Status) }
func (RecordingPayload) Discriminator() string  { return string(EventTypeRecording) }
func (TranscriptPayload) Discriminator() string { return string(EventTypeTranscript) }
func (BillingPayload) Discriminator() string    { return string(EventTypeBilling) }

func (StatusPayload) isPayload()     {}
func (RecordingPayload) isPayload()  {}
func (TranscriptPayload) isPayload() {}
func (BillingPayload) isPayload()    {}

// ParseEventType maps the wire discriminant onto an EventType. Dotted
// provider names such as "recording.completed" resolve by their prefix.
func ParseEventType(raw string) (EventType, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	switch EventType(name) {
	case EventTypeStatus, EventTypeRecording, EventTypeTranscript, EventTypeBilling:
		return EventType(name), true
	case "call":
		return EventTypeStatus, true
	}
	return "", false
}

// DecodePayload decodes raw into the payload variant selected by eventType.
// Every error returned wraps ErrUnknownEventType or ErrMalformedPayload.
func DecodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	et, ok := ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch et {
	case EventTypeStatus:
		var wire struct {
			StatusPayload
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		status, ok := ParseStatus(wire.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, wire.Status)
		}
		p := wire.StatusPayload
		p.Status = status
		return p, nil
	case EventTypeRecording:
		var p RecordingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(p.URL) == "" {
			return nil, fmt.Errorf("%w: recording_url is required", ErrMalformedPayload)
		}
		return p, nil
	case EventTypeTranscript:
		var p TranscriptPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(p.URL) == "" && strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("%w: transcript_url or text is required", ErrMalformedPayload)
		}
		return p, nil
	default:
		var p BillingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(p.Price) == "" && p.DurationSec == nil {
			return nil, fmt.Errorf("%w: price or duration_sec is required", ErrMalformedPayload)
		}
		return p, nil
	}
}

// EncodePayload renders p in the same wire shape DecodePayload reads.
func EncodePayload(p Payload) (json.RawMessage, error) {
	return json.Marshal(p)
}
