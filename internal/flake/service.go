package flake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrTestNotFound is returned when a test id resolves to nothing.
var ErrTestNotFound = errors.New("test not found")

const flakiestCacheTTL = 30 * time.Second

// Service handles score recomputation and the flake read queries.
type Service struct {
	pool          *pgxpool.Pool
	flakiestCache *expirable.LRU[string, []FlakiestItem]
}

// NewService creates a new flake service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:          pool,
		flakiestCache: expirable.NewLRU[string, []FlakiestItem](128, nil, flakiestCacheTTL),
	}
}

// RecomputeScores reloads each test's occurrence window, rescores it and
// upserts flake_scores. Per-test failures are logged and skipped so one
// bad row does not abort the batch; the count of updated rows is returned.
func (s *Service) RecomputeScores(ctx context.Context, testIDs []uuid.UUID, p ScoreParams) (int, error) {
	updated := 0
	for _, testID := range testIDs {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if err := s.recomputeOne(ctx, testID, p); err != nil {
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to recompute flake score")
			continue
		}
		updated++
	}
	return updated, nil
}

func (s *Service) recomputeOne(ctx context.Context, testID uuid.UUID, p ScoreParams) error {
	window, err := s.loadWindow(ctx, testID, p.WindowN)
	if err != nil {
		return fmt.Errorf("failed to load occurrence window: %w", err)
	}
	if len(window) == 0 {
		return nil
	}

	f := ComputeFeatures(window)
	f.RecentFailures = CountRecentFailures(window, time.Now().AddDate(0, 0, -p.LookbackDays))
	score := Score(f)
	confidence := Confidence(f.TotalRuns, p.MinRuns, p.WindowN)
	rec := Recommend(score, f, p)

	featuresJSON, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	query := `
		INSERT INTO flake_scores (
			test_id,
			score,
			confidence,
			window_n,
			features,
			recommendation,
			computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (test_id)
		DO UPDATE SET
			score = EXCLUDED.score,
			confidence = EXCLUDED.confidence,
			window_n = EXCLUDED.window_n,
			features = EXCLUDED.features,
			recommendation = EXCLUDED.recommendation,
			computed_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, testID, score, confidence, p.WindowN, featuresJSON, string(rec)); err != nil {
		return fmt.Errorf("failed to upsert flake score: %w", err)
	}

	log.Debug().
		Str("test_id", testID.String()).
		Float64("score", score).
		Float64("confidence", confidence).
		Str("recommendation", string(rec)).
		Int("window", len(window)).
		Msg("Recomputed flake score")

	return nil
}

// loadWindow returns a test's scoring window, newest first. Skipped and
// quarantined occurrences never contribute to scoring. Sample times
// prefer the run's start time over ingestion time.
func (s *Service) loadWindow(ctx context.Context, testID uuid.UUID, windowN int) ([]Sample, error) {
	query := `
		SELECT
			COALESCE(r.started_at, o.created_at),
			o.status,
			o.run_id::text,
			o.attempt,
			COALESCE(o.failure_msg_signature, '')
		FROM occurrences o
		JOIN workflow_runs r ON r.id = o.run_id
		WHERE o.test_id = $1
			AND o.status IN ('passed', 'failed', 'error')
		ORDER BY o.created_at DESC, o.attempt DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, testID, windowN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var window []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.Time, &smp.Status, &smp.RunKey, &smp.Attempt, &smp.Signature); err != nil {
			return nil, err
		}
		window = append(window, smp)
	}
	return window, rows.Err()
}

// RecommendationsFor returns the stored recommendation for each of the
// given tests. Tests that have never been scored are absent from the map.
func (s *Service) RecommendationsFor(ctx context.Context, testIDs []uuid.UUID) (map[uuid.UUID]Recommendation, error) {
	recs := make(map[uuid.UUID]Recommendation, len(testIDs))
	if len(testIDs) == 0 {
		return recs, nil
	}

	query := `SELECT test_id, recommendation FROM flake_scores WHERE test_id = ANY($1)`
	rows, err := s.pool.Query(ctx, query, testIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var rec string
		if err := rows.Scan(&id, &rec); err != nil {
			return nil, err
		}
		recs[id] = Recommendation(rec)
	}
	return recs, rows.Err()
}

// GetScore returns the persisted score for a test, or ErrTestNotFound
// when the test has never been scored.
func (s *Service) GetScore(ctx context.Context, testID uuid.UUID) (*FlakeScore, error) {
	query := `
		SELECT test_id, score, confidence, window_n, features, recommendation, computed_at
		FROM flake_scores
		WHERE test_id = $1
	`

	var fs FlakeScore
	var featuresJSON []byte
	var rec string
	err := s.pool.QueryRow(ctx, query, testID).Scan(
		&fs.TestID,
		&fs.Score,
		&fs.Confidence,
		&fs.WindowN,
		&featuresJSON,
		&rec,
		&fs.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(featuresJSON, &fs.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	fs.Recommendation = Recommendation(rec)
	return &fs, nil
}

// FlakiestTests returns the highest-scored tests of a repository, cached
// briefly since dashboards poll it.
func (s *Service) FlakiestTests(ctx context.Context, repoID uuid.UUID, limit int) ([]FlakiestItem, error) {
	cacheKey := fmt.Sprintf("%s|%d", repoID, limit)
	if items, ok := s.flakiestCache.Get(cacheKey); ok {
		return items, nil
	}

	query := `
		SELECT
			fs.test_id,
			tc.suite,
			tc.class_name,
			tc.name,
			tc.file,
			fs.score,
			fs.confidence,
			fs.recommendation,
			COALESCE((fs.features->>'failures')::int, 0),
			COALESCE((fs.features->>'totalRuns')::int, 0),
			EXISTS (
				SELECT 1 FROM quarantine_decisions qd
				WHERE qd.test_id = fs.test_id AND qd.state = 'active'
			),
			fs.computed_at
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND tc.deleted_at IS NULL
		ORDER BY fs.score DESC, fs.computed_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FlakiestItem
	for rows.Next() {
		var item FlakiestItem
		var rec string
		if err := rows.Scan(
			&item.TestID,
			&item.Suite,
			&item.ClassName,
			&item.Name,
			&item.File,
			&item.Score,
			&item.Confidence,
			&rec,
			&item.Failures,
			&item.TotalRuns,
			&item.Quarantined,
			&item.ComputedAt,
		); err != nil {
			return nil, err
		}
		item.Recommendation = Recommendation(rec)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.flakiestCache.Add(cacheKey, items)
	return items, nil
}

// History returns a test's recent occurrences, newest first.
func (s *Service) History(ctx context.Context, testID uuid.UUID, limit int) ([]HistoryEntry, error) {
	var exists bool
	checkQuery := `SELECT EXISTS (SELECT 1 FROM test_cases WHERE id = $1 AND deleted_at IS NULL)`
	if err := s.pool.QueryRow(ctx, checkQuery, testID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTestNotFound
	}

	query := `
		SELECT
			r.external_id,
			r.branch,
			r.head_sha,
			o.attempt,
			o.status,
			o.duration_ms,
			o.failure_message,
			o.failure_msg_signature,
			o.created_at
		FROM occurrences o
		JOIN workflow_runs r ON r.id = o.run_id
		WHERE o.test_id = $1
		ORDER BY o.created_at DESC, o.attempt DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(
			&entry.RunExternalID,
			&entry.Branch,
			&entry.HeadSHA,
			&entry.Attempt,
			&entry.Status,
			&entry.DurationMS,
			&entry.FailureMessage,
			&entry.Signature,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RepoExists reports whether a repository id is known and not deleted.
func (s *Service) RepoExists(ctx context.Context, repoID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM repositories WHERE id = $1 AND deleted_at IS NULL)`
	err := s.pool.QueryRow(ctx, query, repoID).Scan(&exists)
	return exists, err
}
