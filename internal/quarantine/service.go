package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/policy"
)

// ErrTestNotFound is returned when a test id resolves to nothing.
var ErrTestNotFound = errors.New("test not found")

// ErrRepoNotFound is returned when a repository id resolves to nothing.
var ErrRepoNotFound = errors.New("repository not found")

// ErrAlreadyActive is returned when a test already holds an active
// decision and a second activation is attempted.
var ErrAlreadyActive = errors.New("test already has an active quarantine decision")

// Service owns the quarantine_decisions table.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates a new quarantine service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Record inserts a decision in the given state. Activation races on the
// one-active-per-test index; the loser gets ErrAlreadyActive rather than
// a second active row.
func (s *Service) Record(ctx context.Context, testID uuid.UUID, state State, rationale string, decidedBy *string, untilAt *time.Time) (*Decision, error) {
	if err := s.requireTest(ctx, testID); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO quarantine_decisions (test_id, state, rationale, decided_by, until_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (test_id) WHERE state = 'active' DO NOTHING
		RETURNING id, test_id, state, rationale, decided_by, until_at, created_at, updated_at
	`

	var d Decision
	err := s.pool.QueryRow(ctx, query, testID, state, rationale, decidedBy, untilAt).Scan(
		&d.ID, &d.TestID, &d.State, &d.Rationale, &d.DecidedBy, &d.UntilAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record quarantine decision: %w", err)
	}

	log.Info().
		Str("test_id", testID.String()).
		Str("state", string(d.State)).
		Str("rationale", rationale).
		Msg("Recorded quarantine decision")

	return &d, nil
}

// Release closes the test's active decision. Releasing a test with no
// active decision is a no-op that still reports ErrTestNotFound only for
// unknown tests.
func (s *Service) Release(ctx context.Context, testID uuid.UUID, decidedBy *string) (*Decision, error) {
	if err := s.requireTest(ctx, testID); err != nil {
		return nil, err
	}

	query := `
		UPDATE quarantine_decisions
		SET state = 'released', decided_by = COALESCE($2, decided_by), updated_at = NOW()
		WHERE test_id = $1 AND state = 'active'
		RETURNING id, test_id, state, rationale, decided_by, until_at, created_at, updated_at
	`

	var d Decision
	err := s.pool.QueryRow(ctx, query, testID, decidedBy).Scan(
		&d.ID, &d.TestID, &d.State, &d.Rationale, &d.DecidedBy, &d.UntilAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release quarantine decision: %w", err)
	}

	log.Info().Str("test_id", testID.String()).Msg("Released quarantine decision")
	return &d, nil
}

// ActiveDecision returns the test's active decision, nil when there is
// none. A decision whose until_at has passed no longer counts as active
// even before the sweeper expires the row.
func (s *Service) ActiveDecision(ctx context.Context, testID uuid.UUID) (*Decision, error) {
	query := `
		SELECT id, test_id, state, rationale, decided_by, until_at, created_at, updated_at
		FROM quarantine_decisions
		WHERE test_id = $1
			AND state = 'active'
			AND (until_at IS NULL OR until_at > NOW())
	`

	var d Decision
	err := s.pool.QueryRow(ctx, query, testID).Scan(
		&d.ID, &d.TestID, &d.State, &d.Rationale, &d.DecidedBy, &d.UntilAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active quarantine decision: %w", err)
	}
	return &d, nil
}

// History returns the test's decisions newest first.
func (s *Service) History(ctx context.Context, testID uuid.UUID, limit int) ([]Decision, error) {
	if err := s.requireTest(ctx, testID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, test_id, state, rationale, decided_by, until_at, created_at, updated_at
		FROM quarantine_decisions
		WHERE test_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, testID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load quarantine history: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.TestID, &d.State, &d.Rationale, &d.DecidedBy, &d.UntilAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Candidates returns tests whose stored recommendation says quarantine
// and that have no live active decision, ranked by score.
func (s *Service) Candidates(ctx context.Context, repoID uuid.UUID) ([]Candidate, error) {
	if err := s.requireRepo(ctx, repoID); err != nil {
		return nil, err
	}

	query := `
		SELECT
			fs.test_id,
			tc.suite,
			tc.class_name,
			tc.name,
			tc.file,
			tc.owner_team,
			fs.score,
			fs.confidence,
			fs.features,
			(
				SELECT MAX(o.created_at)
				FROM occurrences o
				WHERE o.test_id = fs.test_id AND o.status IN ('failed', 'error')
			),
			(
				SELECT qd.state
				FROM quarantine_decisions qd
				WHERE qd.test_id = fs.test_id
				ORDER BY qd.created_at DESC
				LIMIT 1
			)
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1
			AND tc.deleted_at IS NULL
			AND fs.recommendation = 'quarantine'
			AND NOT EXISTS (
				SELECT 1 FROM quarantine_decisions qd
				WHERE qd.test_id = fs.test_id
					AND qd.state = 'active'
					AND (qd.until_at IS NULL OR qd.until_at > NOW())
			)
		ORDER BY fs.score DESC, fs.confidence DESC
	`

	rows, err := s.pool.Query(ctx, query, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quarantine candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			c            Candidate
			featuresJSON []byte
		)
		if err := rows.Scan(
			&c.TestID, &c.Suite, &c.ClassName, &c.Name, &c.File, &c.OwnerTeam,
			&c.Score, &c.Confidence, &featuresJSON, &c.LastFailureAt, &c.LastDecision,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(featuresJSON, &c.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ScoredTests loads every scored test in a repository with its stored
// feature vector and latest decision state. The planner evaluates these;
// filtering by threshold happens there because team overrides can lower
// thresholds below the default.
func (s *Service) ScoredTests(ctx context.Context, repoID uuid.UUID) ([]ScoredTest, error) {
	if err := s.requireRepo(ctx, repoID); err != nil {
		return nil, err
	}

	query := `
		SELECT
			fs.test_id,
			tc.suite,
			tc.class_name,
			tc.name,
			tc.file,
			tc.owner_team,
			fs.score,
			fs.confidence,
			fs.features,
			(
				SELECT qd.state
				FROM quarantine_decisions qd
				WHERE qd.test_id = fs.test_id
				ORDER BY qd.created_at DESC
				LIMIT 1
			)
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND tc.deleted_at IS NULL
		ORDER BY fs.score DESC
	`

	rows, err := s.pool.Query(ctx, query, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scored tests: %w", err)
	}
	defer rows.Close()

	var tests []ScoredTest
	for rows.Next() {
		var (
			t            ScoredTest
			featuresJSON []byte
		)
		if err := rows.Scan(
			&t.TestID, &t.Suite, &t.ClassName, &t.Name, &t.File, &t.OwnerTeam,
			&t.Score, &t.Confidence, &featuresJSON, &t.LastDecision,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(featuresJSON, &t.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// ExpireOverdue flips active decisions whose until_at has passed to
// expired. The retention sweeper calls this; reads already ignore overdue
// decisions, so this is bookkeeping rather than correctness.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_decisions
		SET state = 'expired', updated_at = NOW()
		WHERE state = 'active' AND until_at IS NOT NULL AND until_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire quarantine decisions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) requireTest(ctx context.Context, testID uuid.UUID) error {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM test_cases WHERE id = $1 AND deleted_at IS NULL)`
	if err := s.pool.QueryRow(ctx, query, testID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check test: %w", err)
	}
	if !exists {
		return ErrTestNotFound
	}
	return nil
}

func (s *Service) requireRepo(ctx context.Context, repoID uuid.UUID) error {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM repositories WHERE id = $1 AND deleted_at IS NULL)`
	if err := s.pool.QueryRow(ctx, query, repoID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check repository: %w", err)
	}
	if !exists {
		return ErrRepoNotFound
	}
	return nil
}

// Planner builds dry-run quarantine plans from stored scores and the
// effective policy. Building a plan never writes.
type Planner struct {
	decisions *Service
	policies  *policy.Service
}

// NewPlanner creates a planner over the decision store and policy
// resolver.
func NewPlanner(decisions *Service, policies *policy.Service) *Planner {
	return &Planner{decisions: decisions, policies: policies}
}

var priorityRank = map[policy.Priority]int{
	policy.PriorityCritical: 3,
	policy.PriorityHigh:     2,
	policy.PriorityMedium:   1,
	policy.PriorityLow:      0,
}

// BuildPlan evaluates every scored test in the repository under the
// effective policy and returns the tests that would be warned about or
// quarantined. When req.Overrides is non-empty it is previewed in place
// of the stored override document.
func (p *Planner) BuildPlan(ctx context.Context, req PlanRequest) (*Plan, error) {
	var (
		effective policy.Policy
		override  *policy.Override
		err       error
	)
	if req.Overrides != "" {
		override, err = policy.ParseOverride([]byte(req.Overrides))
		if err != nil {
			return nil, err
		}
		effective, err = policy.Resolve(p.policies.Defaults(), override)
		if err != nil {
			return nil, err
		}
	} else {
		effective, override, err = p.policies.EffectiveForRepo(ctx, req.RepoID)
		if errors.Is(err, policy.ErrRepoNotFound) {
			return nil, ErrRepoNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	scored, err := p.decisions.ScoredTests(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RepoID:      req.RepoID,
		GeneratedAt: time.Now().UTC(),
		Policy:      effective,
		Entries:     planEntries(effective, override, scored),
	}

	log.Debug().
		Str("repo_id", req.RepoID.String()).
		Int("entries", len(plan.Entries)).
		Bool("override_preview", req.Overrides != "").
		Msg("Built quarantine plan")

	return plan, nil
}

// planEntries evaluates scored tests under the effective policy and keeps
// the ones that warrant action, highest priority first.
func planEntries(effective policy.Policy, override *policy.Override, scored []ScoredTest) []PlanEntry {
	entries := []PlanEntry{}

	for _, t := range scored {
		if t.File != nil && override.Excluded(*t.File) {
			continue
		}

		tested := effective
		if t.OwnerTeam != nil {
			tested = override.ForTeam(effective, *t.OwnerTeam)
		}

		decision := policy.Evaluate(tested, t.Score, t.Features)
		if decision.Recommendation == flake.RecommendationNone {
			continue
		}
		// An actively quarantined test proposing quarantine again is work
		// already done; leave it out.
		if t.LastDecision != nil && *t.LastDecision == StateActive && decision.Recommendation == flake.RecommendationQuarantine {
			continue
		}

		entries = append(entries, PlanEntry{
			TestID:        t.TestID,
			Suite:         t.Suite,
			ClassName:     t.ClassName,
			Name:          t.Name,
			File:          t.File,
			Score:         t.Score,
			Confidence:    t.Confidence,
			Action:        decision.Recommendation,
			Priority:      decision.Priority,
			Rationale:     decision.Rationale,
			ExistingState: t.LastDecision,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := priorityRank[entries[i].Priority], priorityRank[entries[j].Priority]
		if ri != rj {
			return ri > rj
		}
		return entries[i].Score > entries[j].Score
	})

	return entries
}
