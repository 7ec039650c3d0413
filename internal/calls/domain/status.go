// Package domain holds the call session model and the pure reducer that
// folds events into snapshots. Nothing here performs I/O.
package domain

import "strings"

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusUnknown    Status = ""
	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBusy       Status = "busy"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

var statusAliases = map[string]Status{
	"queued":      StatusQueued,
	"initiated":   StatusQueued,
	"ringing":     StatusRinging,
	"in-progress": StatusInProgress,
	"in_progress": StatusInProgress,
	"answered":    StatusInProgress,
	"completed":   StatusCompleted,
	"busy":        StatusBusy,
	"failed":      StatusFailed,
	"no-answer":   StatusNoAnswer,
	"no_answer":   StatusNoAnswer,
	"canceled":    StatusCanceled,
	"cancelled":   StatusCanceled,
}

// ParseStatus maps a provider status string onto a Status.
func ParseStatus(raw string) (Status, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// IsTerminal reports whether no further organic transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

// rank orders statuses along queued → ringing → in-progress → terminal.
// All terminal statuses share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusRinging:
		return 2
	case StatusInProgress:
		return 3
	case StatusUnknown:
		return 0
	default:
		if s.IsTerminal() {
			return 4
		}
		return 0
	}
}

// CanTransition reports whether from → to is a forward move in the
// transition table. Nothing leaves a terminal status.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || to == StatusUnknown {
		return false
	}
	return to.rank() > from.rank()
}
