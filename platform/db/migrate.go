// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"callsync_backend/migrations"
	"callsync_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending Postgres migrations through the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	return Migrate(ctx, sqlDB, goose.DialectPostgres, "postgres", log)
}

// Migrate applies the embedded migrations found under dir for the given dialect.
func Migrate(ctx context.Context, sqlDB *sql.DB, dialect goose.Dialect, dir string, log *logger.Logger) error {
	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("migrations: open %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("migrations: provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}

	if log != nil {
		for _, res := range results {
			log.Info("migration applied",
				"dialect", string(dialect),
				"version", res.Source.Version,
				"duration_ms", res.Duration.Milliseconds(),
			)
		}
	}
	return nil
}
