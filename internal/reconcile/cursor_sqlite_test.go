package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"callsync_backend/platform/sqlite"
)

func newCursorStore(t *testing.T) *SQLiteCursors {
	t.Helper()
	db, err := sqlite.OpenMigrated(context.Background(), filepath.Join(t.TempDir(), "cursors.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteCursors(db)
}

func TestAcquireLeaseExcludesOtherOwners(t *testing.T) {
	s := newCursorStore(t)
	ctx := context.Background()
	now := t0
	s.now = func() time.Time { return now }

	if _, err := s.Acquire(ctx, JobCold, "a", time.Minute); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if _, err := s.Acquire(ctx, JobCold, "b", time.Minute); !errors.Is(err, ErrJobLocked) {
		t.Fatalf("expected ErrJobLocked, got %v", err)
	}
	if err := s.SaveProgress(ctx, JobCold, "b", json.RawMessage(`{}`)); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for a non-owner write, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Acquire(ctx, JobCold, "b", time.Minute); err != nil {
		t.Fatalf("expected expired lease to be taken over, got %v", err)
	}
	if err := s.Complete(ctx, JobCold, "a", nil, now); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected old owner to have lost the lease, got %v", err)
	}
}

func TestAcquireUnknownJob(t *testing.T) {
	s := newCursorStore(t)
	if _, err := s.Acquire(context.Background(), "reconcile_lukewarm", "a", time.Minute); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestFailKeepsPosition(t *testing.T) {
	s := newCursorStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, JobCold, "a", time.Minute); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if err := s.SaveProgress(ctx, JobCold, "a", json.RawMessage(`{"page_token":"100"}`)); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if err := s.Fail(ctx, JobCold, "a", "provider unreachable", t0); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}

	cur, err := s.Get(ctx, JobCold)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if string(cur.Position) != `{"page_token":"100"}` || cur.LastError == nil || *cur.LastError != "provider unreachable" {
		t.Fatalf("unexpected cursor %+v", cur)
	}
	if cur.LockedBy != nil || cur.LockedUntil != nil {
		t.Fatalf("expected lease released, got %+v", cur)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if len(all) != 3 || all[0].JobName != JobCold {
		t.Fatalf("expected three jobs ordered by name, got %+v", all)
	}
}
