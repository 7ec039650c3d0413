// Package provider defines the telephony provider poll API used by
// reconciliation, and an HTTP client for it.
package provider

import (
	"context"
	"errors"
	"time"

	"callsync_backend/internal/calls/domain"
)

// ErrCallNotFound is returned by Get when the provider has no such session.
var ErrCallNotFound = errors.New("provider call not found")

// Query selects which sessions List returns. It is one of ActiveQuery,
// EndedQuery or StartedQuery. Every listing is paged: callers follow
// Page.NextPageToken until it comes back empty.
type Query interface {
	isQuery()
}

// ActiveQuery pages through every session the provider considers in flight.
type ActiveQuery struct {
	PageToken string
	PageSize  int
}

// EndedQuery pages through sessions that ended in [After, Before).
type EndedQuery struct {
	After     time.Time
	Before    time.Time
	PageToken string
	PageSize  int
}

// StartedQuery pages through sessions that started in [After, Before).
type StartedQuery struct {
	After     time.Time
	Before    time.Time
	PageToken string
	PageSize  int
}

func (ActiveQuery) isQuery()  {}
func (EndedQuery) isQuery()   {}
func (StartedQuery) isQuery() {}

// CallSummary is the provider's list view of a session.
type CallSummary struct {
	SessionID string        `json:"sid"`
	Status    domain.Status `json:"status"`
	StartedAt *time.Time    `json:"start_time,omitempty"`
	EndedAt   *time.Time    `json:"end_time,omitempty"`
	UpdatedAt time.Time     `json:"date_updated"`
}

// normalize maps provider status spellings onto domain statuses. Unknown
// statuses are kept verbatim so callers can report them.
func (s *CallSummary) normalize() {
	if st, ok := domain.ParseStatus(string(s.Status)); ok {
		s.Status = st
	}
}

// CallDetail is the full provider view used for drift comparison.
type CallDetail struct {
	CallSummary
	Direction            string     `json:"direction,omitempty"`
	From                 string     `json:"from,omitempty"`
	To                   string     `json:"to,omitempty"`
	AnsweredAt           *time.Time `json:"answer_time,omitempty"`
	DurationSec          *int       `json:"duration,omitempty"`
	Price                string     `json:"price,omitempty"`
	PriceUnit            string     `json:"price_unit,omitempty"`
	RecordingURL         string     `json:"recording_url,omitempty"`
	RecordingSID         string     `json:"recording_sid,omitempty"`
	RecordingDurationSec *int       `json:"recording_duration,omitempty"`
	TranscriptURL        string     `json:"transcript_url,omitempty"`
	TranscriptText       string     `json:"transcript_text,omitempty"`
}

// Page is one page of List results. An empty NextPageToken means the
// listing is exhausted.
type Page struct {
	Calls         []CallSummary `json:"calls"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// Provider is the authoritative source polled by reconciliation. Errors are
// classified with apperr: transient failures abort a run and are retried
// by the next invocation.
type Provider interface {
	// Name prefixes the idempotency keys of synthesized events.
	Name() string
	List(ctx context.Context, q Query) (Page, error)
	Get(ctx context.Context, sessionID string) (CallDetail, error)
}
