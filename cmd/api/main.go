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
	"callsync_backend/internal/calls"
	apphttp "callsync_backend/internal/http"
	"callsync_backend/internal/http/router"
	"callsync_backend/internal/inbox"
	"callsync_backend/internal/notify"
	"callsync_backend/internal/notify/redisbridge"
	"callsync_backend/internal/notify/sse"
	"callsync_backend/internal/reconcile"
	"callsync_backend/internal/scheduler"
	"callsync_backend/internal/webhook"
	"callsync_backend/platform/config"
	"callsync_backend/platform/events"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/validator"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		panic("failed to open storage: " + err.Error())
	}
	defer stores.Close()

	rdb := initRedis(cfg, log)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	eventBus := events.NewInMemoryBus(log)
	hub := sse.NewHub(log)
	defer hub.Close()
	eventBus.Subscribe(notify.EventCallSnapshotChanged, notify.DeltaHandler(hub))

	var bridge *redisbridge.Bridge
	if rdb != nil {
		bridge = redisbridge.New(rdb, redisbridge.DefaultChannel, log)
		eventBus.Subscribe(notify.EventCallSnapshotChanged, bridge)
	}

	val := validator.New()
	inboxService := inbox.NewService(stores.Inbox, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: stores,
		Modules: []apphttp.Module{
			webhook.NewModule(inboxService, cfg, cfg.GetProviderName(), bootstrap.NewWebhookLimiter(cfg, rdb), val, log),
			calls.NewModule(stores.Calls, hub.Handler()),
			inbox.NewModule(inboxService),
			reconcile.NewModule(stores.Cursors),
		},
	}

	engine := router.New(app)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GetInboxWorkerInProcess() {
		worker := bootstrap.NewInboxWorker(cfg, stores, notify.NewNotifier(eventBus), log)
		sweeper := inbox.NewSweeper(stores.Inbox, cfg.GetInboxStaleClaimAfter(), 0, log)
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error { return sweeper.Run(gctx) })
		log.Info("inbox worker running in-process")
	}
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx, hub, nil) })
	}

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		panic("server error: " + err.Error())
	}
	eventBus.Wait()
}

func initRedis(cfg *config.Config, log *logger.Logger) *redis.Client {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; using in-memory rate limiting and no cross-process change stream")
		return nil
	}

	rdb, err := scheduler.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		return nil
	}
	return rdb
}
