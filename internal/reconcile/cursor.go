package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrJobLocked is returned when another run holds the job's lease.
	ErrJobLocked = errors.New("reconcile job is already running")
	// ErrLeaseLost is returned when a run writes after its lease was taken over.
	ErrLeaseLost = errors.New("reconcile lease lost")
	// ErrUnknownJob is returned for a job name with no cursor row.
	ErrUnknownJob = errors.New("unknown reconcile job")
)

// Cursor is the persisted state of one job.
type Cursor struct {
	JobName       string          `json:"job_name"`
	Position      json.RawMessage `json:"cursor,omitempty"`
	LastSuccessAt *time.Time      `json:"last_success_at,omitempty"`
	LastErrorAt   *time.Time      `json:"last_error_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	LockedBy      *string         `json:"locked_by,omitempty"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ColdPosition is the cursor of the cold tier. A run resumes from
// PageToken only when Start and End match and Done is false.
type ColdPosition struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	PageSize  int       `json:"page_size"`
	PageToken string    `json:"page_token,omitempty"`
	Pages     int       `json:"pages"`
	Scanned   int       `json:"scanned"`
	Done      bool      `json:"done"`
}

// CursorStore persists job cursors. Every write is conditioned on the
// lease owner so a run that lost its lease cannot move the cursor.
type CursorStore interface {
	// Acquire takes the job's lease until now+ttl. It fails with
	// ErrJobLocked while another owner holds an unexpired lease.
	Acquire(ctx context.Context, job, owner string, ttl time.Duration) (Cursor, error)
	// SaveProgress stores an intermediate position without touching
	// last_success_at.
	SaveProgress(ctx context.Context, job, owner string, position json.RawMessage) error
	// Complete records a successful run, stores position and releases the lease.
	Complete(ctx context.Context, job, owner string, position json.RawMessage, at time.Time) error
	// Fail records the error and releases the lease; the position is kept.
	Fail(ctx context.Context, job, owner, lastError string, at time.Time) error
	// Release drops the lease without recording an outcome.
	Release(ctx context.Context, job, owner string) error
	Get(ctx context.Context, job string) (Cursor, error)
	List(ctx context.Context) ([]Cursor, error)
}

func decodeColdPosition(raw json.RawMessage) (ColdPosition, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return ColdPosition{}, false
	}
	var pos ColdPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return ColdPosition{}, false
	}
	return pos, true
}
