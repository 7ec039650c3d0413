package main

import (
	"testing"
	"time"

	"callsync_backend/internal/reconcile"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func TestColdScopeFromDays(t *testing.T) {
	s, err := coldScope(now, 7, "", "", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantEnd := time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)
	if !s.Start.Equal(wantEnd.AddDate(0, 0, -7)) || !s.End.Equal(wantEnd) || s.PageSize != 50 {
		t.Fatalf("unexpected scope %+v", s)
	}
}

func TestColdScopeFromDaysIsStableWithinADay(t *testing.T) {
	first, err := coldScope(now, 7, "", "", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	later, err := coldScope(now.Add(3*time.Minute+17*time.Second), 7, "", "", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Start.Equal(later.Start) || !first.End.Equal(later.End) {
		t.Fatalf("expected a rerun minutes later to target the same range, got [%v, %v) and [%v, %v)",
			first.Start, first.End, later.Start, later.End)
	}
}

func TestColdScopeDateOnlyEndCoversWholeDay(t *testing.T) {
	s, err := coldScope(now, 0, "2025-06-01", "2025-06-03", reconcile.DefaultPageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	if !s.Start.Equal(wantStart) || !s.End.Equal(wantEnd) {
		t.Fatalf("expected [%v, %v), got [%v, %v)", wantStart, wantEnd, s.Start, s.End)
	}
}

func TestColdScopeRFC3339EndIsExclusive(t *testing.T) {
	s, err := coldScope(now, 0, "2025-06-01", "2025-06-01T06:00:00+02:00", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC); !s.End.Equal(want) {
		t.Fatalf("expected end %v, got %v", want, s.End)
	}
}

func TestColdScopeRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		days       int
		start, end string
		pageSize   int
	}{
		"no range":       {pageSize: 10},
		"bad start":      {start: "June 1", end: "2025-06-02", pageSize: 10},
		"bad end":        {start: "2025-06-01", end: "tomorrow", pageSize: 10},
		"reversed":       {start: "2025-06-05", end: "2025-06-01", pageSize: 10},
		"zero page size": {days: 3},
	}
	for name, tc := range cases {
		if _, err := coldScope(now, tc.days, tc.start, tc.end, tc.pageSize); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
