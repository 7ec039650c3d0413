package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigratedCreatesSchema(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := OpenMigrated(ctx, filepath.Join(t.TempDir(), "callsync.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sqlDB.Close()

	var count int
	if err := sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconcile_cursors`).Scan(&count); err != nil {
		t.Fatalf("query cursors: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 seeded cursor rows, got %d", count)
	}

	for _, table := range []string{"call_inbox", "call_sessions", "call_event_history"} {
		if _, err := sqlDB.ExecContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`); err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestOpenMigratedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "callsync.db")

	first, err := OpenMigrated(ctx, path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = first.Close()

	second, err := OpenMigrated(ctx, path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = second.Close()
}

func TestNanosRoundTripPreservesInstant(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 30, 15, 123456789, time.FixedZone("CET", 3600))
	got := Time(Nanos(at))
	if !got.Equal(at) {
		t.Fatalf("expected %s, got %s", at, got)
	}
	if TimePtr(NullNanos(nil)) != nil {
		t.Fatal("expected nil time to stay nil")
	}
}
