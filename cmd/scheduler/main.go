package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callsync_backend/internal/bootstrap"
	"callsync_backend/internal/inbox"
	"callsync_backend/internal/notify"
	"callsync_backend/internal/notify/redisbridge"
	"callsync_backend/internal/scheduler"
	"callsync_backend/platform/config"
	"callsync_backend/platform/events"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env, "store", cfg.StoreDriver, "inbox_workers", cfg.GetInboxWorkers())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		panic("failed to open storage: " + err.Error())
	}
	defer stores.Close()

	eventBus := events.NewInMemoryBus(log)
	if cfg.GetRedisURL() != "" {
		rdb, err := scheduler.NewRedisClient(cfg)
		if err != nil {
			log.Error("failed to initialize redis client", "error", err)
			panic("failed to initialize redis client: " + err.Error())
		}
		defer func() { _ = rdb.Close() }()
		eventBus.Subscribe(notify.EventCallSnapshotChanged, redisbridge.New(rdb, redisbridge.DefaultChannel, log))
	}

	inboxService := inbox.NewService(stores.Inbox, log)
	notifier := notify.NewNotifier(eventBus)
	runner := bootstrap.NewRunner(cfg, stores, inboxService, bootstrap.NewProvider(cfg, log), log)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < max(cfg.GetInboxWorkers(), 1); i++ {
		worker := bootstrap.NewInboxWorker(cfg, stores, notifier, &logger.Logger{Logger: log.With("worker", i)})
		g.Go(func() error { return worker.Run(gctx) })
	}
	sweeper := inbox.NewSweeper(stores.Inbox, cfg.GetInboxStaleClaimAfter(), 0, log)
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.GetRedisURL() != "" {
		worker, err := scheduler.NewWorker(cfg, runner, log)
		if err != nil {
			log.Error("failed to initialize scheduler worker", "error", err)
			panic("failed to initialize scheduler worker: " + err.Error())
		}
		periodic, err := scheduler.NewPeriodic(cfg, log)
		if err != nil {
			log.Error("failed to initialize periodic reconcile", "error", err)
			panic("failed to initialize periodic reconcile: " + err.Error())
		}
		g.Go(func() error { worker.Run(gctx); return nil })
		g.Go(func() error { return periodic.Run(gctx) })
	} else {
		log.Warn("REDIS_URL not configured; reconcile tiers scheduled in-process")
		local, err := scheduler.NewLocal(cfg, runner, log)
		if err != nil {
			log.Error("failed to initialize local reconcile schedule", "error", err)
			panic("failed to initialize local reconcile schedule: " + err.Error())
		}
		g.Go(func() error { return local.Run(gctx) })
	}

	g.Go(func() error { return serveMetrics(gctx, cfg, log) })

	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped with error", "error", err)
		panic("scheduler error: " + err.Error())
	}
	eventBus.Wait()
	log.Info("scheduler stopped")
}

func serveMetrics(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
