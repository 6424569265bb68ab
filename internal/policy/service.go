package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// ErrRepoNotFound is returned when a repository id resolves to nothing.
var ErrRepoNotFound = errors.New("repository not found")

const overrideCacheTTL = 30 * time.Second

type cachedOverride struct {
	override *Override
	raw      string
}

// Service stores per-repository policy overrides and resolves effective
// policy. Overrides are cached briefly since ingest consults them per
// report.
type Service struct {
	pool     *pgxpool.Pool
	defaults Policy
	cache    *expirable.LRU[uuid.UUID, cachedOverride]
}

// NewService creates a new policy service.
func NewService(pool *pgxpool.Pool, defaults Policy) *Service {
	return &Service{
		pool:     pool,
		defaults: defaults,
		cache:    expirable.NewLRU[uuid.UUID, cachedOverride](256, nil, overrideCacheTTL),
	}
}

// Defaults returns the instance-wide policy.
func (s *Service) Defaults() Policy {
	return s.defaults
}

// SetRepoOverride validates and stores a repository's policy document.
func (s *Service) SetRepoOverride(ctx context.Context, repoID uuid.UUID, rawYAML string) (*Override, error) {
	exists, err := s.repoExists(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRepoNotFound
	}

	o, err := ParseOverride([]byte(rawYAML))
	if err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, err.Error())
	}
	// The merged policy must be coherent before anything is stored.
	if _, err := Resolve(s.defaults, o); err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, err.Error())
	}

	query := `
		INSERT INTO repo_policies (repo_id, raw_yaml, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (repo_id)
		DO UPDATE SET raw_yaml = EXCLUDED.raw_yaml, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, repoID, rawYAML); err != nil {
		return nil, fmt.Errorf("failed to store repo policy: %w", err)
	}

	s.cache.Remove(repoID)

	log.Info().Str("repo_id", repoID.String()).Msg("Stored repository policy override")
	return o, nil
}

// RepoOverride returns a repository's stored override document, or a nil
// override when none is stored.
func (s *Service) RepoOverride(ctx context.Context, repoID uuid.UUID) (*Override, string, error) {
	if cached, ok := s.cache.Get(repoID); ok {
		return cached.override, cached.raw, nil
	}

	var raw string
	query := `SELECT raw_yaml FROM repo_policies WHERE repo_id = $1`
	err := s.pool.QueryRow(ctx, query, repoID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		s.cache.Add(repoID, cachedOverride{})
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	o, err := ParseOverride([]byte(raw))
	if err != nil {
		// A stored document that no longer parses falls back to defaults.
		log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Stored repo policy no longer parses, using defaults")
		s.cache.Add(repoID, cachedOverride{raw: raw})
		return nil, raw, nil
	}

	s.cache.Add(repoID, cachedOverride{override: o, raw: raw})
	return o, raw, nil
}

// EffectiveForRepo resolves the policy a repository actually runs under.
func (s *Service) EffectiveForRepo(ctx context.Context, repoID uuid.UUID) (Policy, *Override, error) {
	o, _, err := s.RepoOverride(ctx, repoID)
	if err != nil {
		return s.defaults, nil, err
	}
	p, err := Resolve(s.defaults, o)
	if err != nil {
		return s.defaults, nil, err
	}
	return p, o, nil
}

func (s *Service) repoExists(ctx context.Context, repoID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM repositories WHERE id = $1 AND deleted_at IS NULL)`
	err := s.pool.QueryRow(ctx, query, repoID).Scan(&exists)
	return exists, err
}
