package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"callsync_backend/internal/inbox"
	"callsync_backend/platform/sqlite"

	"github.com/google/uuid"
)

const msgUnexpectedErr = "unexpected error: %v"

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// newTestStore returns a store whose clock advances one millisecond per
// call so received_at ordering is deterministic.
func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := sqlite.OpenMigrated(context.Background(), filepath.Join(t.TempDir(), "inbox.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLite(db)
	tick := base
	store.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return store
}

func newEntry(key string) inbox.NewEntry {
	return inbox.NewEntry{
		IdempotencyKey: key,
		Source:         "webhook",
		EventType:      "status",
		SessionID:      "CA100",
		OccurredAt:     base,
		Payload:        json.RawMessage(`{"status":"ringing"}`),
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, newEntry("k1"))
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	second, err := store.Enqueue(ctx, newEntry("k1"))
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if first != inbox.Accepted || second != inbox.Duplicate {
		t.Fatalf("expected accepted then duplicate, got %s then %s", first, second)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if stats[inbox.StatusReceived] != 1 {
		t.Fatalf("expected one stored entry, got %v", stats)
	}
}

func TestClaimReturnsOldestFirstAndOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Enqueue(ctx, newEntry(key)); err != nil {
			t.Fatalf(msgUnexpectedErr, err)
		}
	}

	claimed, err := store.Claim(ctx, 2)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if len(claimed) != 2 || claimed[0].IdempotencyKey != "a" || claimed[1].IdempotencyKey != "b" {
		t.Fatalf("expected a and b claimed in order, got %+v", claimed)
	}
	for _, e := range claimed {
		if e.Status != inbox.StatusProcessing || e.ClaimedAt == nil {
			t.Fatalf("expected claimed entry in processing with claimed_at, got %+v", e)
		}
	}

	rest, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if len(rest) != 1 || rest[0].IdempotencyKey != "c" {
		t.Fatalf("expected only c left, got %+v", rest)
	}

	empty, err := store.Claim(ctx, 10)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected nothing left to claim, got %d", len(empty))
	}
}

func TestMarkRetryDeadLettersAtCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, newEntry("retry")); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}

	var last inbox.Status
	for i := 0; i < 3; i++ {
		claimed, err := store.Claim(ctx, 1)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: expected a claim, got %d (%v)", i+1, len(claimed), err)
		}
		last, err = store.MarkRetry(ctx, claimed[0].ID, "provider timeout", 3)
		if err != nil {
			t.Fatalf(msgUnexpectedErr, err)
		}
		if i < 2 && last != inbox.StatusReceived {
			t.Fatalf("attempt %d: expected received, got %s", i+1, last)
		}
	}
	if last != inbox.StatusDeadLetter {
		t.Fatalf("expected dead_letter after 3 attempts, got %s", last)
	}

	dead, err := store.ListDeadLetters(ctx, 10, base.Add(time.Hour))
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 || dead[0].LastError == nil || *dead[0].LastError != "provider timeout" {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
}

func TestReplayResetsDeadLetter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, newEntry("replay")); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	claimed, err := store.Claim(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected a claim, got %d (%v)", len(claimed), err)
	}
	id := claimed[0].ID

	if err := store.Replay(ctx, id); !errors.Is(err, inbox.ErrNotReplayable) {
		t.Fatalf("expected ErrNotReplayable for a processing entry, got %v", err)
	}

	if err := store.MarkDeadLetter(ctx, id, "bad payload"); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if err := store.Replay(ctx, id); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if got.Status != inbox.StatusReceived || got.Attempts != 0 || got.ClaimedAt != nil {
		t.Fatalf("expected reset entry, got %+v", got)
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	store := newTestStore(t)

	err := store.Replay(context.Background(), uuid.New())
	if !errors.Is(err, inbox.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestRequeueStaleOnlyTouchesOldClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"old", "new"} {
		if _, err := store.Enqueue(ctx, newEntry(key)); err != nil {
			t.Fatalf(msgUnexpectedErr, err)
		}
	}
	old, err := store.Claim(ctx, 1)
	if err != nil || len(old) != 1 {
		t.Fatalf("expected a claim, got %d (%v)", len(old), err)
	}
	fresh, err := store.Claim(ctx, 1)
	if err != nil || len(fresh) != 1 {
		t.Fatalf("expected a claim, got %d (%v)", len(fresh), err)
	}

	n, err := store.RequeueStale(ctx, *fresh[0].ClaimedAt)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if n != 1 {
		t.Fatalf("expected one requeued entry, got %d", n)
	}

	got, err := store.Get(ctx, old[0].ID)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if got.Status != inbox.StatusReceived || got.ClaimedAt != nil {
		t.Fatalf("expected old claim requeued, got %+v", got)
	}
}
