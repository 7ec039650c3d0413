package inbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"callsync_backend/platform/apperr"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"

	"github.com/google/uuid"
)

// Service is the inbox API used by producers and operators.
type Service struct {
	store Store
	log   *logger.Logger
}

// NewService wraps store.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log.WithComponent("inbox")}
}

// Enqueue stores e unless its idempotency key was seen before. A
// duplicate is reported through the result, not as an error.
func (s *Service) Enqueue(ctx context.Context, e NewEntry) (EnqueueResult, error) {
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return "", apperr.Validation("idempotency key is required")
	}
	if strings.TrimSpace(e.Source) == "" || strings.TrimSpace(e.EventType) == "" {
		return "", apperr.Validation("source and event_type are required")
	}

	res, err := s.store.Enqueue(ctx, e.Normalized())
	if err != nil {
		s.log.DatabaseError("inbox.enqueue", err)
		return "", apperr.Transient("enqueue event", err)
	}
	metrics.RecordEnqueue(e.Source, res == Duplicate)
	if res == Duplicate {
		s.log.Debug("duplicate inbox event ignored",
			"idempotency_key", e.IdempotencyKey,
			"source", e.Source,
		)
	}
	return res, nil
}

// Get returns a single entry.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	entry, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, apperr.NotFound("inbox entry not found")
	}
	return entry, err
}

// DeadLetters pages through dead-lettered entries, newest first.
func (s *Service) DeadLetters(ctx context.Context, limit int, before time.Time) ([]Entry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	return s.store.ListDeadLetters(ctx, limit, before)
}

// Replay returns a dead-lettered entry to the queue.
func (s *Service) Replay(ctx context.Context, id uuid.UUID, operator string) error {
	err := s.store.Replay(ctx, id)
	switch {
	case err == nil:
		s.log.Info("inbox entry replayed", "entry_id", id.String(), "operator", operator)
		return nil
	case errors.Is(err, ErrEntryNotFound):
		return apperr.NotFound("inbox entry not found")
	case errors.Is(err, ErrNotReplayable):
		return apperr.Conflict("only dead-lettered entries can be replayed")
	default:
		return err
	}
}

// Stats returns entry counts per status, including zero counts.
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	counts, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := map[Status]int{
		StatusReceived:   0,
		StatusProcessing: 0,
		StatusProcessed:  0,
		StatusFailed:     0,
		StatusDeadLetter: 0,
	}
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}
