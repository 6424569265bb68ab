package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrTestNotFound is returned when a test id resolves to nothing.
var ErrTestNotFound = errors.New("test not found")

// Update is one signature's aggregate from an ingestion batch.
type Update struct {
	Signature      string
	Category       string
	ExampleMessage string
	Count          int
	LastSeenAt     time.Time
	TestIDs        []uuid.UUID
}

// SimilarTest is another test sharing failure signatures with the queried
// one, ranked by how often the shared signatures fired there.
type SimilarTest struct {
	TestID            uuid.UUID `json:"test_id"`
	Suite             string    `json:"suite"`
	ClassName         string    `json:"class_name"`
	Name              string    `json:"name"`
	SharedSignatures  int       `json:"shared_signatures"`
	SharedOccurrences int       `json:"shared_occurrences"`
}

// Service owns the failure_clusters tables.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates a new cluster service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// RecordFailures folds an ingestion batch into the cluster table: counts
// and last-seen advance, the first example message sticks, and the member
// test set grows. Safe to replay; re-ingesting counts nothing new only
// because occurrence inserts upstream dedup first.
func (s *Service) RecordFailures(ctx context.Context, repoID uuid.UUID, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	upsert := `
		INSERT INTO failure_clusters (
			repo_id,
			failure_msg_signature,
			category,
			example_message,
			occurrence_count,
			first_seen_at,
			last_seen_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $6)
		ON CONFLICT (repo_id, failure_msg_signature)
		DO UPDATE SET
			occurrence_count = failure_clusters.occurrence_count + EXCLUDED.occurrence_count,
			last_seen_at = GREATEST(failure_clusters.last_seen_at, EXCLUDED.last_seen_at),
			category = COALESCE(failure_clusters.category, EXCLUDED.category)
		RETURNING id
	`
	memberInsert := `
		INSERT INTO failure_cluster_tests (cluster_id, test_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	for _, u := range updates {
		if u.Signature == "" || u.Count <= 0 {
			continue
		}
		lastSeen := u.LastSeenAt
		if lastSeen.IsZero() {
			lastSeen = time.Now()
		}

		var clusterID uuid.UUID
		err := s.pool.QueryRow(ctx, upsert,
			repoID, u.Signature, u.Category, u.ExampleMessage, u.Count, lastSeen,
		).Scan(&clusterID)
		if err != nil {
			return err
		}

		if len(u.TestIDs) > 0 {
			batch := &pgx.Batch{}
			for _, testID := range u.TestIDs {
				batch.Queue(memberInsert, clusterID, testID)
			}
			if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}

		log.Debug().
			Str("repo_id", repoID.String()).
			Str("signature", u.Signature).
			Int("count", u.Count).
			Msg("Recorded failure cluster")
	}
	return nil
}

// SimilarFailures returns other tests whose failures share a signature
// with this test, ranked by shared occurrence volume.
func (s *Service) SimilarFailures(ctx context.Context, testID uuid.UUID, limit int) ([]SimilarTest, error) {
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
			o.test_id,
			tc.suite,
			tc.class_name,
			tc.name,
			COUNT(DISTINCT o.failure_msg_signature),
			COUNT(*)
		FROM occurrences o
		JOIN test_cases tc ON tc.id = o.test_id
		WHERE o.failure_msg_signature IN (
				SELECT DISTINCT failure_msg_signature
				FROM occurrences
				WHERE test_id = $1 AND failure_msg_signature IS NOT NULL
			)
			AND o.test_id <> $1
			AND tc.deleted_at IS NULL
		GROUP BY o.test_id, tc.suite, tc.class_name, tc.name
		ORDER BY COUNT(*) DESC, COUNT(DISTINCT o.failure_msg_signature) DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var similar []SimilarTest
	for rows.Next() {
		var st SimilarTest
		if err := rows.Scan(
			&st.TestID,
			&st.Suite,
			&st.ClassName,
			&st.Name,
			&st.SharedSignatures,
			&st.SharedOccurrences,
		); err != nil {
			return nil, err
		}
		similar = append(similar, st)
	}
	return similar, rows.Err()
}

// FailureTimes returns one test's failure timestamps inside the window,
// the input to temporal clustering.
func (s *Service) FailureTimes(ctx context.Context, testID uuid.UUID, windowN int) ([]time.Time, error) {
	query := `
		SELECT COALESCE(r.started_at, o.created_at)
		FROM occurrences o
		JOIN workflow_runs r ON r.id = o.run_id
		WHERE o.test_id = $1 AND o.status IN ('failed', 'error')
		ORDER BY o.created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, testID, windowN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		times = append(times, ts)
	}
	return times, rows.Err()
}
