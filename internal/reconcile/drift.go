package reconcile

import (
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/provider"
)

// Drift compares the local snapshot (nil when unknown) with provider
// truth and returns the corrective events that would converge them.
// Event times and keys depend only on the inputs, so repeated runs over the
// same drift produce duplicate inbox keys rather than new entries.
func Drift(providerName string, source domain.Source, local *domain.Snapshot, d provider.CallDetail) []domain.Event {
	var events []domain.Event
	add := func(p domain.Payload, at time.Time) {
		events = append(events, domain.Event{
			SessionID:      d.SessionID,
			Source:         source,
			OccurredAt:     at,
			IdempotencyKey: domain.IdempotencyKey(providerName, d.SessionID, p, at),
			Payload:        p,
		})
	}

	statusEmitted := false
	if statusDrifted(local, d.Status) {
		at := statusTime(d)
		if local != nil && !local.LastEventTime.IsZero() && !at.After(local.LastEventTime) {
			// Provider truth outranks a webhook that carried a later clock.
			at = local.LastEventTime.Add(time.Millisecond)
		}
		p := domain.StatusPayload{
			Status:      d.Status,
			Direction:   d.Direction,
			From:        d.From,
			To:          d.To,
			StartedAt:   d.StartedAt,
			AnsweredAt:  d.AnsweredAt,
			DurationSec: d.DurationSec,
		}
		if d.Status.IsTerminal() {
			p.EndedAt = d.EndedAt
		}
		if !at.IsZero() {
			add(p, at)
			statusEmitted = true
		}
	}

	at := enrichmentTime(d)
	if at.IsZero() {
		return events
	}

	if d.RecordingURL != "" && (local == nil || local.RecordingURL == nil) {
		add(domain.RecordingPayload{URL: d.RecordingURL, SID: d.RecordingSID, DurationSec: d.RecordingDurationSec}, at)
	}
	if (d.TranscriptURL != "" || d.TranscriptText != "") &&
		(local == nil || (local.TranscriptURL == nil && local.TranscriptText == nil)) {
		add(domain.TranscriptPayload{URL: d.TranscriptURL, Text: d.TranscriptText}, at)
	}

	missingPrice := d.Price != "" && (local == nil || local.Price == nil)
	missingDuration := !statusEmitted && d.DurationSec != nil && (local == nil || local.DurationSec == nil)
	if missingPrice || missingDuration {
		add(domain.BillingPayload{Price: d.Price, PriceUnit: d.PriceUnit, DurationSec: d.DurationSec}, at)
	}
	return events
}

// statusDrifted reports whether the provider status is a forward move the
// reducer would accept.
func statusDrifted(local *domain.Snapshot, status domain.Status) bool {
	if _, ok := domain.ParseStatus(string(status)); !ok || status == domain.StatusUnknown {
		return false
	}
	if local == nil {
		return true
	}
	if local.IsFinal || local.Status == status {
		return false
	}
	return domain.CanTransition(local.Status, status)
}

// statusTime is when the provider reached its current status.
func statusTime(d provider.CallDetail) time.Time {
	switch {
	case d.Status.IsTerminal() && d.EndedAt != nil:
		return d.EndedAt.UTC()
	case d.Status == domain.StatusInProgress && d.AnsweredAt != nil:
		return d.AnsweredAt.UTC()
	case d.StartedAt != nil && !d.Status.IsTerminal():
		return d.StartedAt.UTC()
	default:
		return d.UpdatedAt.UTC()
	}
}

// enrichmentTime stamps enrichment events; it falls back to the last
// provider update for calls that never ended.
func enrichmentTime(d provider.CallDetail) time.Time {
	if d.EndedAt != nil {
		return d.EndedAt.UTC()
	}
	return d.UpdatedAt.UTC()
}

// needsDetail reports whether a session must be fetched in full. summary
// is nil for sessions known only locally.
func needsDetail(local *domain.Snapshot, summary *provider.CallSummary) bool {
	switch {
	case local == nil:
		return true
	case !local.IsFinal:
		return true
	case summary == nil:
		return missingEnrichment(local)
	case summary.Status != local.Status:
		return true
	case summary.UpdatedAt.After(local.UpdatedAt):
		return true
	default:
		return missingEnrichment(local)
	}
}

func missingEnrichment(s *domain.Snapshot) bool {
	return s.RecordingURL == nil || s.Price == nil || s.DurationSec == nil ||
		(s.TranscriptURL == nil && s.TranscriptText == nil)
}
