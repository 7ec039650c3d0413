// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides storage connection settings.
type DatabaseConfig interface {
	GetStoreDriver() string
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
	GetSQLitePath() string
	GetMigrateOnStart() bool
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSOrigins() []string
}

// SchedulerConfig provides settings for the asynq-backed scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// InboxConfig provides settings for the inbox worker.
type InboxConfig interface {
	GetInboxBatchSize() int
	GetInboxPollInterval() time.Duration
	GetInboxMaxRetries() int
	GetInboxWorkers() int
	GetInboxStaleClaimAfter() time.Duration
	GetInboxWorkerInProcess() bool
}

// ReconcileConfig provides settings for the reconciliation tiers.
type ReconcileConfig interface {
	GetReconcileHotSchedule() string
	GetReconcileWarmSchedule() string
	GetReconcileWarmCooldown() time.Duration
	GetWarmMinInterval() time.Duration
	GetReconcileRequestTimeout() time.Duration
	GetReconcileDetailConcurrency() int
	GetReconcileLeaseTTL() time.Duration
}

// ProviderConfig provides settings for the telephony provider poll API.
type ProviderConfig interface {
	GetProviderName() string
	GetProviderBaseURL() string
	GetProviderAPIKey() string
	GetProviderRatePerSec() float64
}

// RateLimitConfig provides settings for the request rate limiter.
// A non-empty Redis URL selects the shared fixed-window limiter.
type RateLimitConfig interface {
	GetWebhookRatePerMinute() int
	GetRedisURL() string
}

// WebhookConfig provides settings for inbound webhook receipt.
type WebhookConfig interface {
	GetWebhookSigningSecret() string
	GetWebhookRatePerMinute() int
	GetPhoneDefaultRegion() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                        string
	HTTPAddr                   string
	MetricsAddr                string
	CORSOrigins                []string
	StoreDriver                string
	DatabaseURL                string
	DatabaseMaxConns           int
	SQLitePath                 string
	MigrateOnStart             bool
	JWTAccessSecret            string
	RedisURL                   string
	RedisTLSInsecure           bool
	AsynqQueueName             string
	AsynqConcurrency           int
	InboxBatchSize             int
	InboxPollInterval          time.Duration
	InboxMaxRetries            int
	InboxWorkers               int
	InboxStaleClaimAfter       time.Duration
	InboxWorkerInProcess       bool
	ReconcileHotSchedule       string
	ReconcileWarmSchedule      string
	ReconcileWarmCooldown      time.Duration
	WarmMinInterval            time.Duration
	ReconcileRequestTimeout    time.Duration
	ReconcileDetailConcurrency int
	ReconcileLeaseTTL          time.Duration
	ProviderName               string
	ProviderBaseURL            string
	ProviderAPIKey             string
	ProviderRatePerSec         float64
	WebhookSigningSecret       string
	WebhookRatePerMinute       int
	PhoneDefaultRegion         string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetStoreDriver() string   { return c.StoreDriver }
func (c *Config) GetDatabaseURL() string   { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int { return c.DatabaseMaxConns }
func (c *Config) GetSQLitePath() string    { return c.SQLitePath }
func (c *Config) GetMigrateOnStart() bool  { return c.MigrateOnStart }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// InboxConfig implementation
func (c *Config) GetInboxBatchSize() int                 { return c.InboxBatchSize }
func (c *Config) GetInboxPollInterval() time.Duration    { return c.InboxPollInterval }
func (c *Config) GetInboxMaxRetries() int                { return c.InboxMaxRetries }
func (c *Config) GetInboxWorkers() int                   { return c.InboxWorkers }
func (c *Config) GetInboxStaleClaimAfter() time.Duration { return c.InboxStaleClaimAfter }
func (c *Config) GetInboxWorkerInProcess() bool          { return c.InboxWorkerInProcess }

// ReconcileConfig implementation
func (c *Config) GetReconcileHotSchedule() string           { return c.ReconcileHotSchedule }
func (c *Config) GetReconcileWarmSchedule() string          { return c.ReconcileWarmSchedule }
func (c *Config) GetReconcileWarmCooldown() time.Duration   { return c.ReconcileWarmCooldown }
func (c *Config) GetWarmMinInterval() time.Duration         { return c.WarmMinInterval }
func (c *Config) GetReconcileRequestTimeout() time.Duration { return c.ReconcileRequestTimeout }
func (c *Config) GetReconcileDetailConcurrency() int        { return c.ReconcileDetailConcurrency }
func (c *Config) GetReconcileLeaseTTL() time.Duration       { return c.ReconcileLeaseTTL }

// ProviderConfig implementation
func (c *Config) GetProviderName() string        { return c.ProviderName }
func (c *Config) GetProviderBaseURL() string     { return c.ProviderBaseURL }
func (c *Config) GetProviderAPIKey() string      { return c.ProviderAPIKey }
func (c *Config) GetProviderRatePerSec() float64 { return c.ProviderRatePerSec }

// WebhookConfig implementation
func (c *Config) GetWebhookSigningSecret() string { return c.WebhookSigningSecret }
func (c *Config) GetWebhookRatePerMinute() int    { return c.WebhookRatePerMinute }
func (c *Config) GetPhoneDefaultRegion() string   { return c.PhoneDefaultRegion }

// Load reads configuration from the environment (and an optional .env file).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                        getEnv("APP_ENV", "development"),
		HTTPAddr:                   getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:                getEnv("METRICS_ADDR", ":9090"),
		CORSOrigins:                splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		StoreDriver:                strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:           mustInt(getEnv("DATABASE_MAX_CONNS", "20")),
		SQLitePath:                 getEnv("SQLITE_PATH", "callsync.db"),
		MigrateOnStart:             strings.EqualFold(getEnv("MIGRATE_ON_START", "true"), "true"),
		JWTAccessSecret:            getEnv("JWT_ACCESS_SECRET", ""),
		RedisURL:                   getEnv("REDIS_URL", ""),
		RedisTLSInsecure:           strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:             getEnv("ASYNQ_QUEUE", "reconcile"),
		AsynqConcurrency:           mustInt(getEnv("ASYNQ_CONCURRENCY", "2")),
		InboxBatchSize:             mustInt(getEnv("INBOX_BATCH_SIZE", "10")),
		InboxPollInterval:          time.Duration(mustInt(getEnv("INBOX_POLL_INTERVAL_MS", "1000"))) * time.Millisecond,
		InboxMaxRetries:            mustInt(getEnv("INBOX_MAX_RETRIES", "3")),
		InboxWorkers:               mustInt(getEnv("INBOX_WORKERS", "1")),
		InboxStaleClaimAfter:       mustDuration(getEnv("INBOX_STALE_CLAIM_AFTER", "5m")),
		InboxWorkerInProcess:       strings.EqualFold(getEnv("INBOX_WORKER_IN_PROCESS", "false"), "true"),
		ReconcileHotSchedule:       getEnv("RECONCILE_HOT_SCHEDULE", "@every 2m"),
		ReconcileWarmSchedule:      getEnv("RECONCILE_WARM_SCHEDULE", "@every 30m"),
		ReconcileWarmCooldown:      mustDuration(getEnv("RECONCILE_WARM_COOLDOWN", "6h")),
		WarmMinInterval:            mustDuration(getEnv("WARM_MIN_INTERVAL", "5m")),
		ReconcileRequestTimeout:    mustDuration(getEnv("RECONCILE_REQUEST_TIMEOUT", "15s")),
		ReconcileDetailConcurrency: mustInt(getEnv("RECONCILE_DETAIL_CONCURRENCY", "4")),
		ReconcileLeaseTTL:          mustDuration(getEnv("RECONCILE_LEASE_TTL", "30m")),
		ProviderName:               getEnv("PROVIDER_NAME", "voice"),
		ProviderBaseURL:            getEnv("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:             getEnv("PROVIDER_API_KEY", ""),
		ProviderRatePerSec:         mustFloat(getEnv("PROVIDER_RATE_PER_SEC", "10")),
		WebhookSigningSecret:       getEnv("WEBHOOK_SIGNING_SECRET", ""),
		WebhookRatePerMinute:       mustInt(getEnv("WEBHOOK_RATE_PER_MIN", "600")),
		PhoneDefaultRegion:         strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "NL")),
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.InboxBatchSize < 1 || cfg.InboxMaxRetries < 1 || cfg.InboxPollInterval <= 0 {
		return nil, fmt.Errorf("INBOX_BATCH_SIZE, INBOX_MAX_RETRIES and INBOX_POLL_INTERVAL_MS must be positive")
	}
	if cfg.ReconcileWarmCooldown <= 0 || cfg.ReconcileRequestTimeout <= 0 {
		return nil, fmt.Errorf("RECONCILE_WARM_COOLDOWN and RECONCILE_REQUEST_TIMEOUT must be positive durations")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}

func mustFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
