package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/calls/domain"
	"callsync_backend/internal/calls/repository"
	"callsync_backend/platform/apperr"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"
	"callsync_backend/platform/sanitize"
)

const (
	outcomeDuplicateHistory = "rejected:duplicate"
	// markTimeout bounds the write that records an entry's outcome. It runs
	// outside the row timeout so a timed-out row still consumes an attempt.
	markTimeout = 5 * time.Second
)

// WorkerConfig is fixed at construction; the worker never reads the
// environment or mutates its configuration.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	// RowTimeout bounds the processing of a single entry.
	RowTimeout time.Duration
	// MaxConflictRetries bounds re-reads after a snapshot version conflict.
	MaxConflictRetries int
}

// DefaultWorkerConfig returns batch size 10, a 1s poll interval and 3 retries.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:          10,
		PollInterval:       time.Second,
		MaxRetries:         3,
		RowTimeout:         30 * time.Second,
		MaxConflictRetries: 3,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	def := DefaultWorkerConfig()
	if c.BatchSize < 1 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = def.RowTimeout
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = def.MaxConflictRetries
	}
	return c
}

// Notifier receives every snapshot the worker writes. Implementations must
// not block and must not fail the reduction.
type Notifier interface {
	SnapshotChanged(ctx context.Context, snap domain.Snapshot, history domain.HistoryRecord)
}

// Worker claims received entries and folds them into call snapshots.
type Worker struct {
	store    Store
	calls    repository.Store
	decoder  *Decoder
	notifier Notifier
	cfg      WorkerConfig
	log      *logger.Logger
}

// NewWorker creates a Worker. notifier may be nil.
func NewWorker(store Store, calls repository.Store, decoder *Decoder, notifier Notifier, cfg WorkerConfig, log *logger.Logger) *Worker {
	return &Worker{
		store:    store,
		calls:    calls,
		decoder:  decoder,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("inbox_worker"),
	}
}

// Config returns the worker's configuration.
func (w *Worker) Config() WorkerConfig {
	return w.cfg
}

// Run processes batches until ctx is cancelled. It only sleeps when a
// cycle claimed nothing.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("inbox worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval_ms", w.cfg.PollInterval.Milliseconds(),
		"max_retries", w.cfg.MaxRetries,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("inbox worker stopped")
			return nil
		case <-timer.C:
		}

		claimed, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("inbox batch failed", "error", err)
		}

		wait := w.cfg.PollInterval
		if claimed > 0 && err == nil {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessBatch claims and processes one batch, returning how many entries
// were claimed. Row-level failures are recorded on the rows, not returned.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := w.store.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim inbox entries: %w", err)
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
	return len(entries), nil
}

func (w *Worker) processEntry(ctx context.Context, entry Entry) {
	rowCtx, cancel := context.WithTimeout(context.WithValue(ctx, logger.SessionIDKey, entry.SessionID), w.cfg.RowTimeout)
	defer cancel()

	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(rowCtx), markTimeout)
	defer cancelMark()

	ev, err := w.decoder.Decode(entry)
	if err != nil {
		w.deadLetter(markCtx, entry, err)
		return
	}

	outcome, err := w.reduceAndStore(rowCtx, ev)
	switch {
	case err == nil:
		if markErr := w.store.MarkProcessed(markCtx, entry.ID, outcome); markErr != nil {
			// The entry stays in processing until the sweeper requeues it;
			// reprocessing is safe because the reduction is idempotent.
			w.log.DatabaseError("inbox.mark_processed", markErr)
			return
		}
		metrics.RecordInboxOutcome(outcome)
		w.log.WithContext(rowCtx).InboxOutcome(entry.ID.String(), entry.SessionID, entry.EventType, outcome)
	case apperr.IsPermanent(err):
		w.deadLetter(markCtx, entry, err)
	default:
		w.retry(markCtx, entry, err)
	}
}

// reduceAndStore loads the snapshot, reduces and writes it. A version
// conflict means another writer won; the event is reduced again against
// the fresh snapshot, where it is usually rejected as stale.
func (w *Worker) reduceAndStore(ctx context.Context, ev domain.Event) (string, error) {
	for attempt := 0; ; attempt++ {
		var current *domain.Snapshot
		snap, err := w.calls.Get(ctx, ev.SessionID)
		switch {
		case err == nil:
			current = &snap
		case errors.Is(err, repository.ErrSnapshotNotFound):
		default:
			return "", apperr.Transient("load snapshot", err)
		}

		res := domain.Reduce(current, ev)
		if !res.Applied() {
			return res.Outcome(), nil
		}

		stored, err := w.calls.Apply(ctx, res.Snapshot, *res.History)
		switch {
		case err == nil:
			if w.notifier != nil {
				w.notifier.SnapshotChanged(ctx, stored, *res.History)
			}
			return res.Outcome(), nil
		case errors.Is(err, repository.ErrHistoryExists):
			return outcomeDuplicateHistory, nil
		case errors.Is(err, repository.ErrVersionConflict):
			metrics.SnapshotConflictTotal.Inc()
			if attempt >= w.cfg.MaxConflictRetries {
				return "", apperr.Transient("write snapshot", err)
			}
		default:
			return "", apperr.Transient("write snapshot", err)
		}
	}
}

func (w *Worker) retry(ctx context.Context, entry Entry, cause error) {
	status, err := w.store.MarkRetry(ctx, entry.ID, sanitize.ErrorText(cause), w.cfg.MaxRetries)
	if err != nil {
		w.log.DatabaseError("inbox.mark_retry", err)
		return
	}
	outcome := "retry"
	if status == StatusDeadLetter {
		outcome = string(StatusDeadLetter)
	}
	metrics.RecordInboxOutcome(outcome)
	w.log.Warn("inbox entry failed",
		"entry_id", entry.ID.String(),
		"session_id", entry.SessionID,
		"attempt", entry.Attempts+1,
		"status", string(status),
		"error", cause.Error(),
	)
}

func (w *Worker) deadLetter(ctx context.Context, entry Entry, cause error) {
	if err := w.store.MarkDeadLetter(ctx, entry.ID, sanitize.ErrorText(cause)); err != nil {
		w.log.DatabaseError("inbox.mark_dead_letter", err)
		return
	}
	metrics.RecordInboxOutcome(string(StatusDeadLetter))
	w.log.Error("inbox entry dead-lettered",
		"entry_id", entry.ID.String(),
		"session_id", entry.SessionID,
		"event_type", entry.EventType,
		"error", cause.Error(),
	)
}
