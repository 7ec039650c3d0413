package domain

import (
	"strconv"
	"strings"
	"time"
)

// Rejection is the reason an event was not applied. Rejections are
// expected outcomes and are recorded, never retried.
type Rejection string

const (
	RejectStale             Rejection = "stale-event"
	RejectTerminalProtected Rejection = "terminal-state-protected"
	RejectInvalidTransition Rejection = "invalid-transition"
	RejectNoChange          Rejection = "no-change"
)

const (
	// OutcomeApplied is the inbox outcome of an applied event.
	OutcomeApplied        = "applied"
	outcomeRejectedPrefix = "rejected:"
)

// Result is the output of Reduce. Exactly one of History and Rejection is set.
type Result struct {
	Snapshot  Snapshot
	History   *HistoryRecord
	Rejection Rejection
}

// Applied reports whether the event produced a new snapshot.
func (r Result) Applied() bool {
	return r.Rejection == ""
}

// Outcome returns "applied" or "rejected:<reason>".
func (r Result) Outcome() string {
	if r.Applied() {
		return OutcomeApplied
	}
	return outcomeRejectedPrefix + string(r.Rejection)
}

// Reduce folds ev into current, which is nil when the session has no
// snapshot yet. It is pure: the returned snapshot is a fresh copy with an
// unchanged Version and timestamps, which the store assigns on write.
func Reduce(current *Snapshot, ev Event) Result {
	var snap Snapshot
	if current != nil {
		snap = current.Clone()
	} else {
		snap = Snapshot{SessionID: ev.SessionID}
	}
	before := snap.Status

	var (
		cs        changeSet
		rejection Rejection
	)
	switch p := ev.Payload.(type) {
	case StatusPayload:
		rejection = applyStatus(&snap, &cs, p, ev.OccurredAt)
	case RecordingPayload:
		cs.strOnce(FieldRecordingURL, &snap.RecordingURL, p.URL)
		cs.strOnce(FieldRecordingSID, &snap.RecordingSID, p.SID)
		cs.intOnce(FieldRecordingDurationSec, &snap.RecordingDurationSec, p.DurationSec)
		rejection = enrichmentRejection(snap, cs, ev.OccurredAt)
	case TranscriptPayload:
		cs.strOnce(FieldTranscriptURL, &snap.TranscriptURL, p.URL)
		cs.strOnce(FieldTranscriptText, &snap.TranscriptText, p.Text)
		rejection = enrichmentRejection(snap, cs, ev.OccurredAt)
	case BillingPayload:
		cs.strOnce(FieldPrice, &snap.Price, p.Price)
		cs.strOnce(FieldPriceUnit, &snap.PriceUnit, p.PriceUnit)
		cs.intOnce(FieldDurationSec, &snap.DurationSec, p.DurationSec)
		rejection = enrichmentRejection(snap, cs, ev.OccurredAt)
	default:
		rejection = RejectNoChange
	}

	if rejection != "" {
		if current != nil {
			return Result{Snapshot: current.Clone(), Rejection: rejection}
		}
		return Result{Snapshot: Snapshot{SessionID: ev.SessionID}, Rejection: rejection}
	}

	return Result{
		Snapshot: snap,
		History: &HistoryRecord{
			SessionID:      ev.SessionID,
			IdempotencyKey: ev.IdempotencyKey,
			Source:         ev.Source,
			EventType:      ev.Type(),
			OccurredAt:     ev.OccurredAt,
			PreviousStatus: before,
			NewStatus:      snap.Status,
			Changes:        cs.list,
			Payload:        ev.Raw,
		},
	}
}

func applyStatus(snap *Snapshot, cs *changeSet, p StatusPayload, at time.Time) Rejection {
	stale := !snap.LastEventTime.IsZero() && !at.After(snap.LastEventTime)
	if snap.IsFinal || stale {
		// Only the enrichable fields a status payload carries may still land;
		// status and the high-water mark stay put.
		cs.intOnce(FieldDurationSec, &snap.DurationSec, p.DurationSec)
		if len(cs.list) > 0 {
			return ""
		}
		if snap.IsFinal {
			return RejectTerminalProtected
		}
		return RejectStale
	}
	if p.Status != snap.Status && !CanTransition(snap.Status, p.Status) {
		return RejectInvalidTransition
	}

	if p.Status != snap.Status {
		cs.add(FieldStatus, string(snap.Status), string(p.Status))
		snap.Status = p.Status
	}
	if p.Status.IsTerminal() && !snap.IsFinal {
		cs.add(FieldIsFinal, "false", "true")
		snap.IsFinal = true
	}

	cs.str(FieldDirection, &snap.Direction, p.Direction)
	cs.str(FieldFromNumber, &snap.FromNumber, p.From)
	cs.str(FieldToNumber, &snap.ToNumber, p.To)

	startedAt := p.StartedAt
	if startedAt == nil && p.Status != StatusQueued {
		startedAt = &at
	}
	cs.timeOnce(FieldStartedAt, &snap.StartedAt, startedAt)

	answeredAt := p.AnsweredAt
	if answeredAt == nil && p.Status == StatusInProgress {
		answeredAt = &at
	}
	cs.timeOnce(FieldAnsweredAt, &snap.AnsweredAt, answeredAt)

	if p.Status.IsTerminal() {
		endedAt := p.EndedAt
		if endedAt == nil {
			endedAt = &at
		}
		cs.timeOnce(FieldEndedAt, &snap.EndedAt, endedAt)
	}
	cs.intOnce(FieldDurationSec, &snap.DurationSec, p.DurationSec)

	if len(cs.list) == 0 {
		return RejectNoChange
	}
	snap.LastEventTime = at
	return ""
}

// enrichmentRejection decides the outcome of an event that could only set
// enrichable fields. Enrichment never moves the high-water mark.
func enrichmentRejection(snap Snapshot, cs changeSet, at time.Time) Rejection {
	if len(cs.list) > 0 {
		return ""
	}
	switch {
	case snap.IsFinal:
		return RejectTerminalProtected
	case !snap.LastEventTime.IsZero() && !at.After(snap.LastEventTime):
		return RejectStale
	default:
		return RejectNoChange
	}
}

type changeSet struct {
	list []FieldChange
}

func (c *changeSet) add(field, from, to string) {
	c.list = append(c.list, FieldChange{Field: field, From: from, To: to})
}

func (c *changeSet) str(field string, dst *string, v string) {
	v = strings.TrimSpace(v)
	if v == "" || *dst == v {
		return
	}
	c.add(field, *dst, v)
	*dst = v
}

func (c *changeSet) strOnce(field string, dst **string, v string) {
	v = strings.TrimSpace(v)
	if v == "" || *dst != nil {
		return
	}
	c.add(field, "", v)
	*dst = &v
}

func (c *changeSet) intOnce(field string, dst **int, v *int) {
	if v == nil || *dst != nil {
		return
	}
	n := *v
	c.add(field, "", strconv.Itoa(n))
	*dst = &n
}

func (c *changeSet) timeOnce(field string, dst **time.Time, v *time.Time) {
	if v == nil || v.IsZero() || *dst != nil {
		return
	}
	t := v.UTC()
	c.add(field, "", t.Format(time.RFC3339Nano))
	*dst = &t
}
