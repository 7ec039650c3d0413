package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const (
	testSession         = "S1"
	msgUnexpectedReject = "expected event to apply, got rejection %q"
	msgUnexpectedApply  = "expected rejection %q, got %q"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func statusEvent(status Status, at time.Time) Event {
	p := StatusPayload{Status: status}
	return Event{
		SessionID:      testSession,
		Source:         SourceWebhook,
		OccurredAt:     at,
		IdempotencyKey: IdempotencyKey("voice", testSession, p, at),
		Payload:        p,
	}
}

func recordingEvent(url string, at time.Time) Event {
	p := RecordingPayload{URL: url, SID: "RE1"}
	return Event{
		SessionID:      testSession,
		Source:         SourceReconcileWarm,
		OccurredAt:     at,
		IdempotencyKey: IdempotencyKey("voice", testSession, p, at),
		Payload:        p,
	}
}

func mustApply(t *testing.T, current *Snapshot, ev Event) Snapshot {
	t.Helper()
	res := Reduce(current, ev)
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	return res.Snapshot
}

func TestReduceSeedsSnapshotFromFirstEvent(t *testing.T) {
	res := Reduce(nil, statusEvent(StatusRinging, t0))
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	if res.Snapshot.Status != StatusRinging || res.Snapshot.IsFinal {
		t.Fatalf("unexpected seeded snapshot %+v", res.Snapshot)
	}
	if !res.Snapshot.LastEventTime.Equal(t0) {
		t.Fatalf("expected last_event_time %s, got %s", t0, res.Snapshot.LastEventTime)
	}
	if res.Snapshot.StartedAt == nil || !res.Snapshot.StartedAt.Equal(t0) {
		t.Fatalf("expected started_at defaulted to %s", t0)
	}
	if res.History == nil || res.History.PreviousStatus != StatusUnknown || res.History.NewStatus != StatusRinging {
		t.Fatalf("unexpected history %+v", res.History)
	}
}

func TestReduceIsIdempotent(t *testing.T) {
	events := []Event{
		statusEvent(StatusRinging, t0),
		statusEvent(StatusCompleted, t0.Add(time.Minute)),
		recordingEvent("https://media.example.com/r1.mp3", t0.Add(2*time.Minute)),
	}

	var snap *Snapshot
	for _, ev := range events {
		next := mustApply(t, snap, ev)

		replay := Reduce(&next, ev)
		if replay.Applied() {
			t.Fatalf("replaying %s applied twice", ev.Type())
		}
		if diff := cmp.Diff(next, replay.Snapshot); diff != "" {
			t.Fatalf("replay changed snapshot (-want +got):\n%s", diff)
		}
		snap = &next
	}
}

func TestReduceNeverUnfinalizes(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusInProgress, t0))
	snap = mustApply(t, &snap, statusEvent(StatusCompleted, t0.Add(time.Minute)))

	later := []Event{
		statusEvent(StatusRinging, t0.Add(2*time.Minute)),
		statusEvent(StatusInProgress, t0.Add(3*time.Minute)),
		statusEvent(StatusFailed, t0.Add(4*time.Minute)),
		recordingEvent("https://media.example.com/r1.mp3", t0.Add(5*time.Minute)),
	}
	for _, ev := range later {
		res := Reduce(&snap, ev)
		if !res.Snapshot.IsFinal {
			t.Fatalf("event %s reset is_final", ev.Type())
		}
		if res.Snapshot.Status != StatusCompleted {
			t.Fatalf("event %s changed terminal status to %s", ev.Type(), res.Snapshot.Status)
		}
		snap = res.Snapshot
	}
}

func TestReduceRejectsOutOfOrderStatus(t *testing.T) {
	e1 := statusEvent(StatusInProgress, t0.Add(10*time.Second))
	e2 := statusEvent(StatusRinging, t0.Add(5*time.Second))

	only := mustApply(t, nil, e1)
	res := Reduce(&only, e2)

	if res.Rejection != RejectStale {
		t.Fatalf(msgUnexpectedApply, RejectStale, res.Outcome())
	}
	if diff := cmp.Diff(only, res.Snapshot); diff != "" {
		t.Fatalf("stale event changed snapshot (-want +got):\n%s", diff)
	}
}

func TestReduceAcceptsLateEnrichment(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusCompleted, t0.Add(time.Minute)))
	hwm := snap.LastEventTime

	res := Reduce(&snap, recordingEvent("https://media.example.com/r1.mp3", t0))
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	if res.Snapshot.RecordingURL == nil || *res.Snapshot.RecordingURL != "https://media.example.com/r1.mp3" {
		t.Fatalf("expected recording url to be set, got %+v", res.Snapshot.RecordingURL)
	}
	if !res.Snapshot.LastEventTime.Equal(hwm) {
		t.Fatalf("enrichment moved last_event_time from %s to %s", hwm, res.Snapshot.LastEventTime)
	}

	second := Reduce(&res.Snapshot, recordingEvent("https://media.example.com/other.mp3", t0.Add(time.Hour)))
	if second.Rejection != RejectTerminalProtected {
		t.Fatalf(msgUnexpectedApply, RejectTerminalProtected, second.Outcome())
	}
	if *second.Snapshot.RecordingURL != "https://media.example.com/r1.mp3" {
		t.Fatal("set-once recording url was overwritten")
	}
}

func TestReduceKeepsDurationFromLateTerminalRedelivery(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusInProgress, t0))
	snap = mustApply(t, &snap, statusEvent(StatusCompleted, t0.Add(time.Minute)))

	dur := 60
	p := StatusPayload{Status: StatusCompleted, DurationSec: &dur}
	late := Event{
		SessionID:      testSession,
		Source:         SourceReconcileHot,
		OccurredAt:     t0.Add(time.Minute),
		IdempotencyKey: IdempotencyKey("voice", testSession, p, t0.Add(time.Minute)) + ":billing",
		Payload:        p,
	}

	res := Reduce(&snap, late)
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	got := res.Snapshot
	if got.DurationSec == nil || *got.DurationSec != 60 {
		t.Fatalf("expected duration set from the redelivered status, got %+v", got.DurationSec)
	}
	if got.Status != StatusCompleted || !got.IsFinal || !got.LastEventTime.Equal(snap.LastEventTime) {
		t.Fatalf("expected status and high-water mark untouched, got %+v", got)
	}
	if len(res.History.Changes) != 1 || res.History.Changes[0].Field != FieldDurationSec {
		t.Fatalf("expected only the duration change recorded, got %+v", res.History.Changes)
	}

	again := Reduce(&got, late)
	if again.Rejection != RejectTerminalProtected {
		t.Fatalf(msgUnexpectedApply, RejectTerminalProtected, again.Outcome())
	}
}

func TestReduceKeepsDurationFromStaleStatus(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusInProgress, t0.Add(10*time.Second)))

	dur := 3
	p := StatusPayload{Status: StatusRinging, DurationSec: &dur}
	stale := Event{SessionID: testSession, Source: SourceWebhook, OccurredAt: t0, Payload: p,
		IdempotencyKey: IdempotencyKey("voice", testSession, p, t0)}

	res := Reduce(&snap, stale)
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	if res.Snapshot.Status != StatusInProgress || res.Snapshot.DurationSec == nil || !res.Snapshot.LastEventTime.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("expected duration only, got %+v", res.Snapshot)
	}
}

func TestReduceRejectsBackwardTransition(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusInProgress, t0))
	res := Reduce(&snap, statusEvent(StatusRinging, t0.Add(time.Minute)))
	if res.Rejection != RejectInvalidTransition {
		t.Fatalf(msgUnexpectedApply, RejectInvalidTransition, res.Outcome())
	}
}

func TestReduceRejectsNoChange(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusRinging, t0))
	res := Reduce(&snap, statusEvent(StatusRinging, t0.Add(time.Second)))
	if res.Rejection != RejectNoChange {
		t.Fatalf(msgUnexpectedApply, RejectNoChange, res.Outcome())
	}
	if res.Outcome() != "rejected:no-change" {
		t.Fatalf("unexpected outcome %q", res.Outcome())
	}
}

func TestReduceTerminalSetsEndedAtAndHistoryChanges(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusInProgress, t0))
	end := t0.Add(90 * time.Second)
	res := Reduce(&snap, statusEvent(StatusNoAnswer, end))
	if !res.Applied() {
		t.Fatalf(msgUnexpectedReject, res.Rejection)
	}
	if res.Snapshot.EndedAt == nil || !res.Snapshot.EndedAt.Equal(end) {
		t.Fatalf("expected ended_at %s", end)
	}

	fields := make([]string, 0, len(res.History.Changes))
	for _, c := range res.History.Changes {
		fields = append(fields, c.Field)
	}
	want := []string{FieldStatus, FieldIsFinal, FieldEndedAt}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Fatalf("unexpected change list (-want +got):\n%s", diff)
	}
}

func TestReduceRingingInProgressScenario(t *testing.T) {
	ringing := statusEvent(StatusRinging, t0)
	inProgress := statusEvent(StatusInProgress, t0.Add(5*time.Second))

	var histories int
	snap := Reduce(nil, ringing)
	if snap.Applied() {
		histories++
	}
	next := Reduce(&snap.Snapshot, inProgress)
	if next.Applied() {
		histories++
	}
	if next.Snapshot.Status != StatusInProgress || next.Snapshot.IsFinal || histories != 2 {
		t.Fatalf("unexpected result status=%s final=%v histories=%d", next.Snapshot.Status, next.Snapshot.IsFinal, histories)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	snap := mustApply(t, nil, statusEvent(StatusCompleted, t0))
	before := snap.Clone()
	_ = Reduce(&snap, recordingEvent("https://media.example.com/r1.mp3", t0))
	if diff := cmp.Diff(before, snap); diff != "" {
		t.Fatalf("reduce mutated its input (-want +got):\n%s", diff)
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := [][2]Status{
		{StatusUnknown, StatusQueued},
		{StatusQueued, StatusRinging},
		{StatusRinging, StatusInProgress},
		{StatusQueued, StatusCanceled},
		{StatusRinging, StatusBusy},
		{StatusInProgress, StatusCompleted},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]Status{
		{StatusInProgress, StatusRinging},
		{StatusCompleted, StatusFailed},
		{StatusBusy, StatusInProgress},
		{StatusRinging, StatusUnknown},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestDecodePayloadClassifiesErrors(t *testing.T) {
	if _, err := DecodePayload("hangup", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if _, err := DecodePayload("status", json.RawMessage(`{"status":`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for truncated json, got %v", err)
	}
	if _, err := DecodePayload("status", json.RawMessage(`{"status":"teleporting"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for unknown status, got %v", err)
	}
	if _, err := DecodePayload("recording", json.RawMessage(`{}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for empty recording, got %v", err)
	}
}

func TestDecodePayloadNormalizesStatus(t *testing.T) {
	p, err := DecodePayload("status", json.RawMessage(`{"status":"In_Progress","from":"+31201234567","duration_sec":12}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sp, ok := p.(StatusPayload)
	if !ok {
		t.Fatalf("expected StatusPayload, got %T", p)
	}
	if sp.Status != StatusInProgress || sp.From != "+31201234567" || sp.DurationSec == nil || *sp.DurationSec != 12 {
		t.Fatalf("unexpected payload %+v", sp)
	}

	if p, err := DecodePayload("recording.completed", json.RawMessage(`{"recording_url":"https://x/r.mp3"}`)); err != nil || p.EventType() != EventTypeRecording {
		t.Fatalf("expected dotted recording type to decode, got %v %v", p, err)
	}
}

func TestIdempotencyKeyFormat(t *testing.T) {
	at := time.Date(2025, 6, 1, 11, 0, 0, 500, time.FixedZone("CEST", 2*3600))
	got := IdempotencyKey("voice", "CA1", StatusPayload{Status: StatusRinging}, at)
	want := "voice:CA1:ringing:2025-06-01T09:00:00.0000005Z"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
