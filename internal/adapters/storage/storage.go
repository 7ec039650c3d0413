// Package storage opens the configured persistence backend and hands out
// the inbox, calls and cursor stores built on it.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	callsrepo "callsync_backend/internal/calls/repository"
	"callsync_backend/internal/inbox"
	inboxrepo "callsync_backend/internal/inbox/repository"
	"callsync_backend/internal/reconcile"
	"callsync_backend/platform/config"
	"callsync_backend/platform/db"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Stores bundles every repository over one backend.
type Stores struct {
	Driver  string
	Inbox   inbox.Store
	Calls   callsrepo.Store
	Cursors reconcile.CursorStore

	ping  func(ctx context.Context) error
	close func()
}

// Ping checks the underlying connection. It satisfies http.HealthChecker.
func (s *Stores) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the pool or database handle.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to the backend selected by cfg and, when enabled, applies
// the embedded migrations for it.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Stores, error) {
	switch cfg.GetStoreDriver() {
	case DriverPostgres:
		return openPostgres(ctx, cfg, log)
	case DriverSQLite:
		return openSQLite(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.GetStoreDriver())
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Stores, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres: %w", err)
	}
	if cfg.GetMigrateOnStart() {
		if err := db.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Stores{
		Driver:  DriverPostgres,
		Inbox:   inboxrepo.NewPostgres(pool),
		Calls:   callsrepo.NewPostgres(pool),
		Cursors: reconcile.NewPostgresCursors(pool),
		ping:    pool.Ping,
		close:   pool.Close,
	}, nil
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Stores, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	if cfg.GetMigrateOnStart() {
		sqlDB, err = sqlite.OpenMigrated(ctx, cfg.GetSQLitePath(), log)
	} else {
		sqlDB, err = sqlite.Open(cfg.GetSQLitePath(), sqlite.DefaultConfig())
	}
	if err != nil {
		return nil, err
	}
	return &Stores{
		Driver:  DriverSQLite,
		Inbox:   inboxrepo.NewSQLite(sqlDB),
		Calls:   callsrepo.NewSQLite(sqlDB),
		Cursors: reconcile.NewSQLiteCursors(sqlDB),
		ping:    sqlDB.PingContext,
		close:   func() { _ = sqlDB.Close() },
	}, nil
}
