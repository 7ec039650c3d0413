// Package sqlite opens the embedded single-node store.
// This is part of the platform layer and contains no business logic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"callsync_backend/platform/db"
	"callsync_backend/platform/logger"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout time.Duration
	// MaxOpenConns is 1 so that every write (claims included) is serialized
	// through a single connection.
	MaxOpenConns int
}

// DefaultConfig returns the settings used by the services.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// Open initializes a SQLite database with WAL mode and a busy timeout
// applied to every connection through the DSN.
func Open(path string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	if cfg.MaxOpenConns < 1 {
		cfg.MaxOpenConns = 1
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return sqlDB, nil
}

// OpenMigrated opens path and applies the embedded SQLite migrations.
func OpenMigrated(ctx context.Context, path string, log *logger.Logger) (*sql.DB, error) {
	sqlDB, err := Open(path, DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, sqlDB, goose.DialectSQLite3, "sqlite", log); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// Nanos converts t to the INTEGER representation stored in SQLite columns.
func Nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// NullNanos converts an optional time to a nullable INTEGER.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Nanos(*t), Valid: true}
}

// Time converts a stored INTEGER back to a UTC time.
func Time(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// TimePtr converts a nullable INTEGER back to an optional UTC time.
func TimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := Time(n.Int64)
	return &t
}
