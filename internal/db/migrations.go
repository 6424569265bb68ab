package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/migrations"
)

const versionsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// RunMigrations brings the schema up to date from the embedded migration
// files. Each file is applied inside its own transaction together with its
// schema_migrations row, so a crash mid-run never leaves a migration
// half-recorded. Safe to call repeatedly.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, versionsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	todo, err := pendingMigrations(ctx, pool)
	if err != nil {
		return err
	}
	if len(todo) == 0 {
		log.Debug().Msg("Schema is up to date")
		return nil
	}

	log.Info().Int("pending", len(todo)).Msg("Applying database migrations")
	for _, version := range todo {
		if err := applyMigration(ctx, pool, version); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", version, err)
		}
		log.Info().Str("migration", version).Msg("Migration applied")
	}
	return nil
}

// pendingMigrations returns the embedded migration versions not yet recorded
// in schema_migrations, in lexical (and therefore chronological) order.
func pendingMigrations(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var todo []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		todo = append(todo, name)
	}
	sort.Strings(todo)
	return todo, nil
}

// applyMigration runs one migration file and records its version, atomically.
// The file body goes through the simple query protocol because migrations
// hold multiple statements.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, version string) error {
	body, err := migrations.FS.ReadFile(version)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	pg := conn.Conn().PgConn()
	if _, err := pg.Exec(ctx, "BEGIN").ReadAll(); err != nil {
		return err
	}
	if _, err := pg.Exec(ctx, string(body)).ReadAll(); err != nil {
		_, _ = pg.Exec(ctx, "ROLLBACK").ReadAll()
		return err
	}
	if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		_, _ = pg.Exec(ctx, "ROLLBACK").ReadAll()
		return err
	}
	if _, err := pg.Exec(ctx, "COMMIT").ReadAll(); err != nil {
		return err
	}
	return nil
}
