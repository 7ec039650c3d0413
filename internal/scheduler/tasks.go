package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"callsync_backend/internal/reconcile"

	"github.com/hibiken/asynq"
)

const (
	TaskReconcileHot  = "reconcile.hot"
	TaskReconcileWarm = "reconcile.warm"
	TaskReconcileCold = "reconcile.cold"
)

// ReconcilePayload carries the scope parameters of one tier run. Unused
// fields stay empty for the hot tier.
type ReconcilePayload struct {
	CooldownSeconds int64      `json:"cooldownSeconds,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	End             *time.Time `json:"end,omitempty"`
	PageSize        int        `json:"pageSize,omitempty"`
}

// NewReconcileTask renders scope as an asynq task.
func NewReconcileTask(scope reconcile.Scope) (*asynq.Task, error) {
	var (
		name    string
		payload ReconcilePayload
	)
	switch s := scope.(type) {
	case reconcile.ActiveScope:
		name = TaskReconcileHot
	case reconcile.CooldownScope:
		name = TaskReconcileWarm
		payload.CooldownSeconds = int64(s.Window / time.Second)
	case reconcile.DateRangeScope:
		name = TaskReconcileCold
		start, end := s.Start.UTC(), s.End.UTC()
		payload.Start, payload.End = &start, &end
		payload.PageSize = s.PageSize
	default:
		return nil, fmt.Errorf("unsupported scope %T", scope)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(name, data), nil
}

// ParseReconcileTask returns the scope encoded in task.
func ParseReconcileTask(task *asynq.Task) (reconcile.Scope, error) {
	var payload ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return nil, err
		}
	}

	switch task.Type() {
	case TaskReconcileHot:
		return reconcile.ActiveScope{}, nil
	case TaskReconcileWarm:
		return reconcile.CooldownScope{Window: time.Duration(payload.CooldownSeconds) * time.Second}, nil
	case TaskReconcileCold:
		if payload.Start == nil || payload.End == nil {
			return nil, fmt.Errorf("cold reconcile task requires start and end")
		}
		return reconcile.DateRangeScope{Start: *payload.Start, End: *payload.End, PageSize: payload.PageSize}.Validate()
	default:
		return nil, fmt.Errorf("unknown task type %q", task.Type())
	}
}
