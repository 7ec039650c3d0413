// Package notify fans snapshot changes out to subscribers over the event
// bus. Delivery is best effort and never fails the write that caused it.
package notify

import (
	"context"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/platform/events"
)

// EventCallSnapshotChanged is the bus event name for Delta.
const EventCallSnapshotChanged = "call.snapshot.changed"

// Delta describes one applied change to a session snapshot.
type Delta struct {
	SessionID      string               `json:"session_id"`
	Source         domain.Source        `json:"source"`
	EventType      domain.EventType     `json:"event_type"`
	OccurredAt     time.Time            `json:"occurred_at"`
	PreviousStatus domain.Status        `json:"previous_status"`
	Changes        []domain.FieldChange `json:"changes"`
	Snapshot       domain.Snapshot      `json:"snapshot"`
}

// CallSnapshotChanged is published after every applied reduction.
type CallSnapshotChanged struct {
	events.BaseEvent
	Delta Delta `json:"delta"`
}

// EventName implements events.Event.
func (CallSnapshotChanged) EventName() string { return EventCallSnapshotChanged }

// Notifier publishes snapshot changes on a bus. It satisfies inbox.Notifier.
type Notifier struct {
	bus events.Bus
}

// NewNotifier creates a Notifier publishing on bus.
func NewNotifier(bus events.Bus) *Notifier {
	return &Notifier{bus: bus}
}

// SnapshotChanged publishes the delta without waiting for subscribers.
func (n *Notifier) SnapshotChanged(ctx context.Context, snap domain.Snapshot, history domain.HistoryRecord) {
	n.bus.Publish(ctx, CallSnapshotChanged{
		BaseEvent: events.NewBaseEvent(),
		Delta:     NewDelta(snap, history),
	})
}

// NewDelta builds the delta for a stored snapshot and its history record.
func NewDelta(snap domain.Snapshot, history domain.HistoryRecord) Delta {
	return Delta{
		SessionID:      snap.SessionID,
		Source:         history.Source,
		EventType:      history.EventType,
		OccurredAt:     history.OccurredAt,
		PreviousStatus: history.PreviousStatus,
		Changes:        history.Changes,
		Snapshot:       snap,
	}
}

// Sink receives deltas from outside the bus, such as the Redis bridge.
type Sink interface {
	Deliver(d Delta)
}

// DeltaHandler adapts a Sink to an events.Handler for CallSnapshotChanged.
func DeltaHandler(sink Sink) events.Handler {
	return events.HandlerFunc(func(_ context.Context, e events.Event) error {
		if changed, ok := e.(CallSnapshotChanged); ok {
			sink.Deliver(changed.Delta)
		}
		return nil
	})
}
