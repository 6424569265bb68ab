// Package retention implements the scheduled data sweep: overdue
// quarantine decisions expire, old failure message bodies are cleared
// and clusters that no longer reference anything are pruned.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/quarantine"
)

// Sweeper runs the retention pass.
type Sweeper struct {
	pool          *pgxpool.Pool
	decisions     *quarantine.Service
	retentionDays int
}

// NewSweeper creates a sweeper. retentionDays bounds how long failure
// message bodies are kept.
func NewSweeper(pool *pgxpool.Pool, decisions *quarantine.Service, retentionDays int) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Sweeper{pool: pool, decisions: decisions, retentionDays: retentionDays}
}

// ClearOldFailureMessages nulls failure_message bodies older than the
// retention window. Signatures stay so clustering and scoring keep
// working on aged data. Idempotent.
//
// Returns the number of rows updated.
func (s *Sweeper) ClearOldFailureMessages(ctx context.Context) (int64, error) {
	query := `
		UPDATE occurrences
		SET failure_message = NULL
		WHERE created_at < NOW() - INTERVAL '1 day' * $1
		  AND failure_message IS NOT NULL
	`

	tag, err := s.pool.Exec(ctx, query, s.retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old failure messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneOrphanedClusters deletes clusters that reference no tests, plus
// example messages on clusters that aged out of the retention window.
// Cluster counts and signatures stay. Idempotent.
//
// Returns the number of clusters deleted.
func (s *Sweeper) PruneOrphanedClusters(ctx context.Context) (int64, error) {
	deleteQuery := `
		DELETE FROM failure_clusters fc
		WHERE NOT EXISTS (
			SELECT 1 FROM failure_cluster_tests fct WHERE fct.cluster_id = fc.id
		)
	`
	tag, err := s.pool.Exec(ctx, deleteQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to prune orphaned clusters: %w", err)
	}
	deleted := tag.RowsAffected()

	clearQuery := `
		UPDATE failure_clusters
		SET example_message = ''
		WHERE last_seen_at < NOW() - INTERVAL '1 day' * $1
		  AND example_message <> ''
	`
	if _, err := s.pool.Exec(ctx, clearQuery, s.retentionDays); err != nil {
		return deleted, fmt.Errorf("failed to clear aged cluster examples: %w", err)
	}

	return deleted, nil
}

// Run executes one retention pass and logs the results. This is the main
// entry point called by the cron scheduler.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Info().
		Int("retention_days", s.retentionDays).
		Msg("Starting retention sweep")

	startTime := time.Now()

	expired, err := s.decisions.ExpireOverdue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to expire quarantine decisions")
		return fmt.Errorf("quarantine expiry failed: %w", err)
	}

	messagesCleared, err := s.ClearOldFailureMessages(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear old failure messages")
		return fmt.Errorf("failure message cleanup failed: %w", err)
	}

	clustersPruned, err := s.PruneOrphanedClusters(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune orphaned clusters")
		return fmt.Errorf("cluster pruning failed: %w", err)
	}

	log.Info().
		Int64("decisions_expired", expired).
		Int64("failure_messages_cleared", messagesCleared).
		Int64("clusters_pruned", clustersPruned).
		Dur("duration", time.Since(startTime)).
		Msg("Retention sweep completed")

	return nil
}
