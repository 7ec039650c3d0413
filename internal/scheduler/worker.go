package scheduler

import (
	"context"
	"errors"
	"fmt"

	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/config"
	"callsync_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Runner executes one reconciliation run. Satisfied by reconcile.Runner.
type Runner interface {
	Run(ctx context.Context, scope reconcile.Scope) (reconcile.RunReport, error)
}

// Worker consumes reconcile tasks from the asynq queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runner Runner, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 2
	}

	log = log.WithComponent("scheduler")
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger: asynqLogger{log: log},
	})

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: runner,
		log:    log,
	}

	w.mux.HandleFunc(TaskReconcileHot, w.handleReconcile)
	w.mux.HandleFunc(TaskReconcileWarm, w.handleReconcile)
	w.mux.HandleFunc(TaskReconcileCold, w.handleReconcile)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

// handleReconcile runs the task's scope. A run skipped because another
// process holds the lease counts as done; the next tick retries anyway.
func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	scope, err := ParseReconcileTask(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	report, err := w.runner.Run(ctx, scope)
	switch {
	case err == nil:
		w.log.Debug("reconcile task finished", "task", task.Type(), "run_id", report.RunID)
		return nil
	case errors.Is(err, reconcile.ErrJobLocked):
		return nil
	default:
		return err
	}
}
