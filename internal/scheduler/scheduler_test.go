package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/logger"

	"github.com/hibiken/asynq"
	"go.uber.org/goleak"
)

const msgUnexpectedErr = "unexpected error: %v"

type reconcileConfig struct {
	hot, warm string
}

func (c reconcileConfig) GetReconcileHotSchedule() string           { return c.hot }
func (c reconcileConfig) GetReconcileWarmSchedule() string          { return c.warm }
func (c reconcileConfig) GetReconcileWarmCooldown() time.Duration   { return 6 * time.Hour }
func (c reconcileConfig) GetWarmMinInterval() time.Duration         { return 5 * time.Minute }
func (c reconcileConfig) GetReconcileRequestTimeout() time.Duration { return 15 * time.Second }
func (c reconcileConfig) GetReconcileDetailConcurrency() int        { return 4 }
func (c reconcileConfig) GetReconcileLeaseTTL() time.Duration       { return 30 * time.Minute }

type fakeRunner struct {
	mu     sync.Mutex
	scopes []reconcile.Scope
	err    error
	ran    chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, scope reconcile.Scope) (reconcile.RunReport, error) {
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return reconcile.RunReport{Job: scope.Job()}, f.err
}

func TestColdTaskCarriesRange(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewReconcileTask(reconcile.DateRangeScope{Start: start, End: start.AddDate(0, 0, 7), PageSize: 100})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if task.Type() != TaskReconcileCold {
		t.Fatalf("expected %s, got %s", TaskReconcileCold, task.Type())
	}

	scope, err := ParseReconcileTask(task)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	cold, ok := scope.(reconcile.DateRangeScope)
	if !ok || !cold.Start.Equal(start) || cold.PageSize != 100 {
		t.Fatalf("unexpected scope %#v", scope)
	}
}

func TestWarmTaskKeepsWindow(t *testing.T) {
	task, err := NewReconcileTask(reconcile.CooldownScope{Window: 90 * time.Minute})
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	scope, err := ParseReconcileTask(task)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if scope != (reconcile.CooldownScope{Window: 90 * time.Minute}) {
		t.Fatalf("unexpected scope %#v", scope)
	}
}

func TestParseRejectsBadTasks(t *testing.T) {
	if _, err := ParseReconcileTask(asynq.NewTask(TaskReconcileCold, []byte(`{}`))); err == nil {
		t.Fatal("expected cold task without range to fail")
	}
	if _, err := ParseReconcileTask(asynq.NewTask("reconcile.lukewarm", nil)); err == nil {
		t.Fatal("expected unknown task type to fail")
	}
	if _, err := ParseReconcileTask(asynq.NewTask(TaskReconcileWarm, []byte(`{`))); err == nil {
		t.Fatal("expected malformed payload to fail")
	}
}

func TestHandleReconcileClassifiesErrors(t *testing.T) {
	runner := &fakeRunner{}
	w := &Worker{runner: runner, log: logger.Discard()}
	ctx := context.Background()
	hot := asynq.NewTask(TaskReconcileHot, nil)

	if err := w.handleReconcile(ctx, hot); err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if _, ok := runner.scopes[0].(reconcile.ActiveScope); !ok {
		t.Fatalf("expected active scope, got %#v", runner.scopes[0])
	}

	runner.err = reconcile.ErrJobLocked
	if err := w.handleReconcile(ctx, hot); err != nil {
		t.Fatalf("expected locked job to be treated as done, got %v", err)
	}

	runner.err = errors.New("provider timeout")
	if err := w.handleReconcile(ctx, hot); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	if err := w.handleReconcile(ctx, asynq.NewTask(TaskReconcileCold, []byte(`{}`))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for invalid payload, got %v", err)
	}
}

func TestRedisOptionsTLS(t *testing.T) {
	if _, err := redisOptions("", false); err == nil {
		t.Fatal("expected error for empty url")
	}

	plain, err := redisClientOpt("redis://:pw@localhost:6379/2", false)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if plain.Addr != "localhost:6379" || plain.Password != "pw" || plain.DB != 2 || plain.TLSConfig != nil {
		t.Fatalf("unexpected options %+v", plain)
	}

	secure, err := redisOptions("rediss://localhost:6380", false)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if secure.TLSConfig == nil || secure.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected verified TLS for rediss://")
	}

	insecure, err := redisOptions("redis://localhost:6379", true)
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}
	if insecure.TLSConfig == nil || !insecure.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected insecure TLS when requested")
	}
}

func TestLocalRejectsInvalidSchedule(t *testing.T) {
	_, err := NewLocal(reconcileConfig{hot: "every two minutes", warm: "@every 30m"}, &fakeRunner{}, logger.Discard())
	if err == nil {
		t.Fatal("expected invalid cron spec to fail")
	}
}

func TestLocalTriggersTiersAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runner := &fakeRunner{ran: make(chan struct{}, 1)}
	local, err := NewLocal(reconcileConfig{hot: "@every 1s", warm: "@every 1h"}, runner, logger.Discard())
	if err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- local.Run(ctx) }()

	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("expected hot tier to run within 5s")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf(msgUnexpectedErr, err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if _, ok := runner.scopes[0].(reconcile.ActiveScope); !ok {
		t.Fatalf("expected hot tier first, got %#v", runner.scopes[0])
	}
}
