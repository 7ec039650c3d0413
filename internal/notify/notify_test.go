package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/platform/events"
	"callsync_backend/platform/logger"
)

type collectingSink struct {
	mu     sync.Mutex
	deltas []Delta
}

func (s *collectingSink) Deliver(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
}

func TestNotifierPublishesDeltaOnBus(t *testing.T) {
	bus := events.NewInMemoryBus(logger.Discard())
	sink := &collectingSink{}
	bus.Subscribe(EventCallSnapshotChanged, DeltaHandler(sink))

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	NewNotifier(bus).SnapshotChanged(context.Background(),
		domain.Snapshot{SessionID: "S1", Status: domain.StatusRinging, Version: 1},
		domain.HistoryRecord{
			SessionID:  "S1",
			Source:     domain.SourceWebhook,
			EventType:  domain.EventTypeStatus,
			OccurredAt: at,
			NewStatus:  domain.StatusRinging,
			Changes:    []domain.FieldChange{{Field: domain.FieldStatus, To: "ringing"}},
		})
	bus.Wait()

	if len(sink.deltas) != 1 {
		t.Fatalf("expected one delta, got %d", len(sink.deltas))
	}
	d := sink.deltas[0]
	if d.SessionID != "S1" || d.Snapshot.Version != 1 || !d.OccurredAt.Equal(at) || len(d.Changes) != 1 {
		t.Fatalf("unexpected delta %+v", d)
	}
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := events.NewInMemoryBus(logger.Discard())
	sink := &collectingSink{}
	bus.Subscribe(EventCallSnapshotChanged, events.HandlerFunc(func(context.Context, events.Event) error {
		panic("subscriber bug")
	}))
	bus.Subscribe(EventCallSnapshotChanged, DeltaHandler(sink))

	NewNotifier(bus).SnapshotChanged(context.Background(), domain.Snapshot{SessionID: "S1"}, domain.HistoryRecord{})
	bus.Wait()

	if len(sink.deltas) != 1 {
		t.Fatalf("expected healthy subscriber to receive the delta, got %d", len(sink.deltas))
	}
}
