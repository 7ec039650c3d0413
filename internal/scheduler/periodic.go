package scheduler

import (
	"context"
	"fmt"
	"time"

	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/config"
	"callsync_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// PeriodicConfig is what the tier triggers need.
type PeriodicConfig interface {
	config.SchedulerConfig
	config.ReconcileConfig
}

// tier is one periodically triggered scope.
type tier struct {
	spec  string
	scope reconcile.Scope
}

func tiers(cfg config.ReconcileConfig) []tier {
	return []tier{
		{spec: cfg.GetReconcileHotSchedule(), scope: reconcile.ActiveScope{}},
		{spec: cfg.GetReconcileWarmSchedule(), scope: reconcile.CooldownScope{Window: cfg.GetReconcileWarmCooldown()}},
	}
}

// Periodic enqueues the hot and warm tiers on their schedules through
// asynq, so only one scheduler process needs to own the clock while any
// number of workers run the tasks.
type Periodic struct {
	sched *asynq.Scheduler
	log   *logger.Logger
}

func NewPeriodic(cfg PeriodicConfig, log *logger.Logger) (*Periodic, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	log = log.WithComponent("scheduler")
	sched := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   asynqLogger{log: log},
		EnqueueErrorHandler: func(task *asynq.Task, _ []asynq.Option, err error) {
			log.Warn("periodic reconcile enqueue failed", "task", task.Type(), "error", err)
		},
	})

	uniqueFor := cfg.GetReconcileLeaseTTL()
	if uniqueFor < time.Second {
		uniqueFor = 30 * time.Minute
	}
	for _, t := range tiers(cfg) {
		task, err := NewReconcileTask(t.scope)
		if err != nil {
			return nil, err
		}
		if _, err := sched.Register(t.spec, task,
			asynq.Queue(queueName(cfg)),
			asynq.MaxRetry(0),
			asynq.Unique(uniqueFor),
		); err != nil {
			return nil, fmt.Errorf("register %s schedule %q: %w", task.Type(), t.spec, err)
		}
		log.Info("periodic reconcile registered", "task", task.Type(), "spec", t.spec)
	}

	return &Periodic{sched: sched, log: log}, nil
}

// Run starts the scheduler and blocks until ctx is done.
func (p *Periodic) Run(ctx context.Context) error {
	if err := p.sched.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	p.sched.Shutdown()
	return nil
}
