package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a repository id resolves to nothing.
var ErrNotFound = errors.New("repository not found")

const dashboardTopN = 5

// Service owns the repositories table and the dashboard reads.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates a new repository service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Upsert registers a repository or refreshes an existing registration.
// A known repository keeps its installation unless the params carry one;
// soft-deleted rows are revived since the provider clearly still has it.
func (s *Service) Upsert(ctx context.Context, p UpsertParams) (*Repository, error) {
	if p.Provider == "" {
		p.Provider = "github"
	}

	query := `
		INSERT INTO repositories (provider, owner, name, installation_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, owner, name)
		DO UPDATE SET
			installation_id = COALESCE(EXCLUDED.installation_id, repositories.installation_id),
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING id, provider, owner, name, installation_id, active, created_at, updated_at
	`

	var repo Repository
	err := s.pool.QueryRow(ctx, query, p.Provider, p.Owner, p.Name, p.InstallationID).Scan(
		&repo.ID,
		&repo.Provider,
		&repo.Owner,
		&repo.Name,
		&repo.InstallationID,
		&repo.Active,
		&repo.CreatedAt,
		&repo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("repo_id", repo.ID.String()).
		Str("repo", repo.Slug()).
		Msg("Upserted repository")
	return &repo, nil
}

// GetByID loads a repository, or ErrNotFound.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_id, active, created_at, updated_at
		FROM repositories
		WHERE id = $1 AND deleted_at IS NULL
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// GetBySlug loads a repository by provider identity, or ErrNotFound.
func (s *Service) GetBySlug(ctx context.Context, provider, owner, name string) (*Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_id, active, created_at, updated_at
		FROM repositories
		WHERE provider = $1 AND owner = $2 AND name = $3 AND deleted_at IS NULL
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, provider, owner, name))
}

func (s *Service) scanOne(row pgx.Row) (*Repository, error) {
	var repo Repository
	err := row.Scan(
		&repo.ID,
		&repo.Provider,
		&repo.Owner,
		&repo.Name,
		&repo.InstallationID,
		&repo.Active,
		&repo.CreatedAt,
		&repo.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// List returns a page of repositories plus the unpaged total. search
// filters on an owner/name substring when present.
func (s *Service) List(ctx context.Context, limit, offset int, search string) ([]Repository, int, error) {
	search = strings.TrimSpace(search)
	pattern := "%" + search + "%"

	countQuery := `
		SELECT COUNT(*)
		FROM repositories
		WHERE deleted_at IS NULL
			AND ($1 = '' OR owner ILIKE $2 OR name ILIKE $2)
	`
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, search, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, provider, owner, name, installation_id, active, created_at, updated_at
		FROM repositories
		WHERE deleted_at IS NULL
			AND ($1 = '' OR owner ILIKE $2 OR name ILIKE $2)
		ORDER BY owner, name
		LIMIT $3 OFFSET $4
	`
	rows, err := s.pool.Query(ctx, query, search, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var repositories []Repository
	for rows.Next() {
		var repo Repository
		if err := rows.Scan(
			&repo.ID,
			&repo.Provider,
			&repo.Owner,
			&repo.Name,
			&repo.InstallationID,
			&repo.Active,
			&repo.CreatedAt,
			&repo.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		repositories = append(repositories, repo)
	}
	return repositories, total, rows.Err()
}

// ListPollable returns active repositories with an installation, the set
// the run poller sweeps.
func (s *Service) ListPollable(ctx context.Context) ([]Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_id, active, created_at, updated_at
		FROM repositories
		WHERE deleted_at IS NULL AND active AND installation_id IS NOT NULL
		ORDER BY owner, name
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repositories []Repository
	for rows.Next() {
		var repo Repository
		if err := rows.Scan(
			&repo.ID,
			&repo.Provider,
			&repo.Owner,
			&repo.Name,
			&repo.InstallationID,
			&repo.Active,
			&repo.CreatedAt,
			&repo.UpdatedAt,
		); err != nil {
			return nil, err
		}
		repositories = append(repositories, repo)
	}
	return repositories, rows.Err()
}

// SetInstallation records the App installation serving a repository.
func (s *Service) SetInstallation(ctx context.Context, id uuid.UUID, installationID int64) error {
	query := `
		UPDATE repositories
		SET installation_id = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, installationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Dashboard builds the repository overview: health counts over the
// lookback window, the worst offenders, and the freshest failure clusters.
func (s *Service) Dashboard(ctx context.Context, repoID uuid.UUID, lookbackDays int) (*Dashboard, error) {
	repo, err := s.GetByID(ctx, repoID)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{Repository: *repo, LookbackDays: lookbackDays}

	countsQuery := `
		SELECT
			(SELECT COUNT(*) FROM test_cases tc
				WHERE tc.repo_id = $1 AND tc.deleted_at IS NULL),
			(SELECT COUNT(*) FROM flake_scores fs
				JOIN test_cases tc ON tc.id = fs.test_id
				WHERE tc.repo_id = $1 AND tc.deleted_at IS NULL
					AND fs.recommendation <> 'none'),
			(SELECT COUNT(*) FROM quarantine_decisions qd
				JOIN test_cases tc ON tc.id = qd.test_id
				WHERE tc.repo_id = $1 AND qd.state = 'active'),
			(SELECT COUNT(*) FROM workflow_runs r
				WHERE r.repo_id = $1
					AND r.created_at >= NOW() - make_interval(days => $2))
	`
	err = s.pool.QueryRow(ctx, countsQuery, repoID, lookbackDays).Scan(
		&d.TotalTests,
		&d.FlakyTests,
		&d.Quarantined,
		&d.RunsInWindow,
	)
	if err != nil {
		return nil, err
	}

	topQuery := `
		SELECT fs.test_id, tc.suite, tc.name, fs.score, fs.recommendation
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND tc.deleted_at IS NULL AND fs.score > 0
		ORDER BY fs.score DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, topQuery, repoID, dashboardTopN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item TopFlakyTest
		if err := rows.Scan(&item.TestID, &item.Suite, &item.Name, &item.Score, &item.Recommendation); err != nil {
			return nil, err
		}
		d.TopFlaky = append(d.TopFlaky, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	clustersQuery := `
		SELECT id, failure_msg_signature, category, example_message, occurrence_count, last_seen_at
		FROM failure_clusters
		WHERE repo_id = $1
		ORDER BY last_seen_at DESC
		LIMIT $2
	`
	rows, err = s.pool.Query(ctx, clustersQuery, repoID, dashboardTopN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c ClusterSummary
		if err := rows.Scan(&c.ID, &c.Signature, &c.Category, &c.ExampleMessage, &c.OccurrenceCount, &c.LastSeenAt); err != nil {
			return nil, err
		}
		d.RecentClusters = append(d.RecentClusters, c)
	}
	return d, rows.Err()
}
