// Package reconcile repairs session snapshots by polling the provider and
// enqueueing corrective events into the inbox.
package reconcile

import (
	"fmt"
	"time"

	"callsync_backend/internal/calls/domain"
)

// Job names double as cursor row keys.
const (
	JobHot  = "reconcile_hot"
	JobWarm = "reconcile_warm"
	JobCold = "reconcile_cold"
)

const (
	// DefaultPageSize is the cold tier page size when none is given.
	DefaultPageSize = 200
	// DefaultCooldown is the warm tier window when none is given.
	DefaultCooldown = 6 * time.Hour
)

// Scope selects what one reconciliation run covers. It is one of
// ActiveScope, CooldownScope or DateRangeScope.
type Scope interface {
	Job() string
	Source() domain.Source
	isScope()
}

// ActiveScope covers every non-final local session plus the provider's
// active set. It keeps no cursor.
type ActiveScope struct{}

// CooldownScope covers sessions finalized within the trailing Window.
type CooldownScope struct {
	Window time.Duration
}

// DateRangeScope pages through sessions started in [Start, End).
type DateRangeScope struct {
	Start    time.Time
	End      time.Time
	PageSize int
}

func (ActiveScope) Job() string    { return JobHot }
func (CooldownScope) Job() string  { return JobWarm }
func (DateRangeScope) Job() string { return JobCold }

func (ActiveScope) Source() domain.Source    { return domain.SourceReconcileHot }
func (CooldownScope) Source() domain.Source  { return domain.SourceReconcileWarm }
func (DateRangeScope) Source() domain.Source { return domain.SourceReconcileCold }

func (ActiveScope) isScope()    {}
func (CooldownScope) isScope()  {}
func (DateRangeScope) isScope() {}

// LastDays returns the cold scope covering the n UTC calendar days that end
// with today. Both bounds fall on midnight, so invocations on the same day
// produce the same range and an interrupted run resumes from its cursor.
func LastDays(now time.Time, n, pageSize int) DateRangeScope {
	u := now.UTC()
	end := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return DateRangeScope{Start: end.AddDate(0, 0, -n), End: end, PageSize: pageSize}
}

// Validate checks the range and fills the default page size.
func (s DateRangeScope) Validate() (DateRangeScope, error) {
	if s.Start.IsZero() || s.End.IsZero() {
		return s, fmt.Errorf("date range requires start and end")
	}
	if !s.End.After(s.Start) {
		return s, fmt.Errorf("date range end %s must be after start %s",
			s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	if s.PageSize <= 0 {
		s.PageSize = DefaultPageSize
	}
	s.Start = s.Start.UTC()
	s.End = s.End.UTC()
	return s, nil
}
