// Package persistence provides the SQL source of condition counts
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"   // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
)

// DB implements QueryExecutor over a sqlx connection pool
type DB struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database described by cfg and verifies the connection
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	if driver == "sqlite" {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug("Connected to database", "target", cfg.Redacted())
	return &DB{db: db, driver: driver}, nil
}

// NewDB wraps an existing connection
func NewDB(db *sqlx.DB) *DB {
	return &DB{db: db, driver: db.DriverName()}
}

// Query runs query with args. Placeholders are written as ? and rebound for
// the driver.
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]core.ConditionObservation, error) {
	var rows []core.ConditionObservation
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

// Exec runs a statement without results
func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := d.db.ExecContext(ctx, d.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Driver returns the driver name
func (d *DB) Driver() string {
	return d.driver
}

// Ping verifies the database connection
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}
