// Package db owns the PostgreSQL pool and the embedded migration runner.
// Every other package receives a *pgxpool.Pool from here and writes its
// own SQL.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a PostgreSQL connection pool sized for the service and
// verifies connectivity before returning it.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// Ingest workers and the API share one pool; keep a few idle
	// connections warm so bursts don't pay the dial cost.
	if maxConns < 2 {
		maxConns = 2
	}
	config.MaxConns = int32(maxConns)
	config.MinConns = config.MaxConns / 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
