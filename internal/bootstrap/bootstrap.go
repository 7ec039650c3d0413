// Package bootstrap holds the composition helpers shared by the api,
// scheduler and reconcile binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsync_backend/internal/adapters/storage"
	"callsync_backend/internal/inbox"
	"callsync_backend/internal/provider"
	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/config"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/phone"
	"callsync_backend/platform/ratelimit"

	"github.com/redis/go-redis/v9"
)

// OpenStores connects to the configured backend, retrying while the
// database comes up.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*storage.Stores, error) {
	var stores *storage.Stores
	err := WithRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		s, err := storage.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		stores = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("database connection established", "driver", stores.Driver)
	return stores, nil
}

// NewProvider builds the provider poll API client.
func NewProvider(cfg *config.Config, log *logger.Logger) *provider.Client {
	return provider.NewClient(provider.ClientConfig{
		Name:       cfg.GetProviderName(),
		BaseURL:    cfg.GetProviderBaseURL(),
		APIKey:     cfg.GetProviderAPIKey(),
		RatePerSec: cfg.GetProviderRatePerSec(),
		Timeout:    cfg.GetReconcileRequestTimeout(),
	}, nil, log)
}

// NewRunner builds the reconciliation runner over stores.
func NewRunner(cfg *config.Config, stores *storage.Stores, svc *inbox.Service, p provider.Provider, log *logger.Logger) *reconcile.Runner {
	return reconcile.NewRunner(stores.Calls, svc, p, stores.Cursors, reconcile.Config{
		RequestTimeout:    cfg.GetReconcileRequestTimeout(),
		DetailConcurrency: cfg.GetReconcileDetailConcurrency(),
		LeaseTTL:          cfg.GetReconcileLeaseTTL(),
		WarmMinInterval:   cfg.GetWarmMinInterval(),
	}, log)
}

// NewInboxWorker builds one inbox worker loop.
func NewInboxWorker(cfg *config.Config, stores *storage.Stores, notifier inbox.Notifier, log *logger.Logger) *inbox.Worker {
	decoder := inbox.NewDecoder(phone.NewNormalizer(cfg.GetPhoneDefaultRegion()))
	return inbox.NewWorker(stores.Inbox, stores.Calls, decoder, notifier, inbox.WorkerConfig{
		BatchSize:    cfg.GetInboxBatchSize(),
		PollInterval: cfg.GetInboxPollInterval(),
		MaxRetries:   cfg.GetInboxMaxRetries(),
	}, log)
}

// NewWebhookLimiter returns the shared Redis limiter when rdb is set and
// a process-local one otherwise.
func NewWebhookLimiter(cfg config.RateLimitConfig, rdb *redis.Client) ratelimit.Limiter {
	budget := ratelimit.PerMinute{Requests: cfg.GetWebhookRatePerMinute()}
	if rdb != nil {
		return ratelimit.NewRedis(rdb, "ratelimit:webhook", budget)
	}
	return ratelimit.NewMemory(budget)
}

// WithRetry runs fn up to attempts times with quadratic backoff.
func WithRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
