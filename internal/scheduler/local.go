package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/config"
	"callsync_backend/platform/logger"

	"github.com/robfig/cron/v3"
)

// Local triggers the hot and warm tiers in-process with robfig/cron. It
// is used when no Redis is configured. Overlapping runs of the same tier
// are skipped.
type Local struct {
	cron   *cron.Cron
	runner Runner
	log    *logger.Logger
	ctx    context.Context
}

func NewLocal(cfg config.ReconcileConfig, runner Runner, log *logger.Logger) (*Local, error) {
	log = log.WithComponent("scheduler")
	cl := cronLogger{log: log}
	l := &Local{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		log:    log,
		ctx:    context.Background(),
	}

	for _, t := range tiers(cfg) {
		scope := t.scope
		if _, err := l.cron.AddFunc(t.spec, func() { l.runOnce(scope) }); err != nil {
			return nil, fmt.Errorf("register %s schedule %q: %w", scope.Job(), t.spec, err)
		}
		log.Info("local reconcile registered", "job", scope.Job(), "spec", t.spec)
	}
	return l, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight runs to return. Runs see ctx, so shutdown aborts them and
// their cursors keep the last checkpoint.
func (l *Local) Run(ctx context.Context) error {
	l.ctx = ctx
	l.cron.Start()
	<-ctx.Done()
	<-l.cron.Stop().Done()
	return nil
}

func (l *Local) runOnce(scope reconcile.Scope) {
	if l.ctx.Err() != nil {
		return
	}
	_, err := l.runner.Run(l.ctx, scope)
	if err != nil && !errors.Is(err, reconcile.ErrJobLocked) && !errors.Is(err, context.Canceled) {
		l.log.Warn("local reconcile run failed", "job", scope.Job(), "error", err)
	}
}
