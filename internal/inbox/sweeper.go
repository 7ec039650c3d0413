package inbox

import (
	"context"
	"time"

	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"
)

// Sweeper returns entries stuck in processing to received. It recovers
// rows claimed by a worker that crashed before recording an outcome.
type Sweeper struct {
	store      Store
	staleAfter time.Duration
	interval   time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// NewSweeper creates a Sweeper that requeues rows claimed longer than
// staleAfter ago, checking every interval.
func NewSweeper(store Store, staleAfter, interval time.Duration, log *logger.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = staleAfter / 2
	}
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		log:        log.WithComponent("inbox_sweeper"),
		now:        time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.DatabaseError("inbox.requeue_stale", err)
			}
		}
	}
}

// SweepOnce performs a single requeue pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.store.RequeueStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.InboxRequeuedTotal.Add(float64(n))
		s.log.Warn("requeued stale inbox claims", "count", n)
	}
	return n, nil
}
