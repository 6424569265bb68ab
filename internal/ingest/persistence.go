// Package ingest owns the write path from parsed JUnit reports to the
// database, and the artifact pipeline that feeds it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thc1006/flakeguard/internal/junit"
)

const (
	// batchFlushSize bounds one pgx.Batch round trip.
	batchFlushSize = 500
	// copyThreshold switches occurrence writes to CopyFrom through a temp
	// table. Huge artifacts otherwise degrade to row-at-a-time inserts.
	copyThreshold = 1000
)

// ErrRunNotFound is returned when a run id resolves to nothing.
var ErrRunNotFound = errors.New("workflow run not found")

// Service owns workflow_runs, ci_jobs, test_cases and occurrences writes.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates the ingest persistence service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Run is a stored workflow run.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	RepoID     uuid.UUID  `json:"repo_id"`
	ExternalID int64      `json:"external_id"`
	Status     string     `json:"status"`
	Conclusion *string    `json:"conclusion,omitempty"`
	RunAttempt int        `json:"run_attempt"`
	HeadSHA    string     `json:"head_sha"`
	Branch     string     `json:"branch"`
	Event      string     `json:"event"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunParams identify and describe a run for upsert.
type RunParams struct {
	RepoID     uuid.UUID
	ExternalID int64
	Status     string
	Conclusion *string
	RunAttempt int
	HeadSHA    string
	Branch     string
	Event      string
	StartedAt  *time.Time
}

// CIJobParams describe one job within a run for upsert.
type CIJobParams struct {
	RunID       uuid.UUID
	ExternalID  int64
	Name        string
	Status      string
	Conclusion  *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

const runColumns = `id, repo_id, external_id, status, conclusion, run_attempt, head_sha, branch, event, started_at, ingested_at, created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID,
		&r.RepoID,
		&r.ExternalID,
		&r.Status,
		&r.Conclusion,
		&r.RunAttempt,
		&r.HeadSHA,
		&r.Branch,
		&r.Event,
		&r.StartedAt,
		&r.IngestedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow run: %w", err)
	}
	return &r, nil
}

// UpsertRun records a workflow run, updating state on re-delivery. The
// attempt counter only moves forward; empty strings never clobber known
// values since providers omit fields on some event types.
func (s *Service) UpsertRun(ctx context.Context, p RunParams) (*Run, error) {
	if p.RunAttempt < 1 {
		p.RunAttempt = 1
	}
	query := `
		INSERT INTO workflow_runs (repo_id, external_id, status, conclusion, run_attempt, head_sha, branch, event, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (repo_id, external_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			conclusion = COALESCE(EXCLUDED.conclusion, workflow_runs.conclusion),
			run_attempt = GREATEST(workflow_runs.run_attempt, EXCLUDED.run_attempt),
			head_sha = CASE WHEN EXCLUDED.head_sha <> '' THEN EXCLUDED.head_sha ELSE workflow_runs.head_sha END,
			branch = CASE WHEN EXCLUDED.branch <> '' THEN EXCLUDED.branch ELSE workflow_runs.branch END,
			event = CASE WHEN EXCLUDED.event <> '' THEN EXCLUDED.event ELSE workflow_runs.event END,
			started_at = COALESCE(EXCLUDED.started_at, workflow_runs.started_at),
			updated_at = NOW()
		RETURNING ` + runColumns

	return scanRun(s.pool.QueryRow(ctx, query,
		p.RepoID, p.ExternalID, p.Status, p.Conclusion, p.RunAttempt,
		p.HeadSHA, p.Branch, p.Event, p.StartedAt,
	))
}

// GetRun loads a run by id.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	return scanRun(s.pool.QueryRow(ctx, query, id))
}

// GetRunByExternalID loads a run by its provider id within a repository.
func (s *Service) GetRunByExternalID(ctx context.Context, repoID uuid.UUID, externalID int64) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE repo_id = $1 AND external_id = $2`
	return scanRun(s.pool.QueryRow(ctx, query, repoID, externalID))
}

// MarkRunIngested stamps a run after its artifacts have been processed so
// the poller stops offering it.
func (s *Service) MarkRunIngested(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE workflow_runs SET ingested_at = NOW(), updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark run ingested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// UpsertCIJob records one job of a run, updating state on re-delivery.
func (s *Service) UpsertCIJob(ctx context.Context, p CIJobParams) error {
	query := `
		INSERT INTO ci_jobs (run_id, external_id, name, status, conclusion, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, external_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			conclusion = COALESCE(EXCLUDED.conclusion, ci_jobs.conclusion),
			started_at = COALESCE(EXCLUDED.started_at, ci_jobs.started_at),
			completed_at = COALESCE(EXCLUDED.completed_at, ci_jobs.completed_at),
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		p.RunID, p.ExternalID, p.Name, p.Status, p.Conclusion, p.StartedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ci job: %w", err)
	}
	return nil
}

// OccurrenceRecord is one parsed test execution ready to persist, with
// failure signatures already computed.
type OccurrenceRecord struct {
	Suite          string
	ClassName      string
	Name           string
	File           *string
	Status         junit.Status
	DurationMS     *int
	FailureMessage *string
	Signature      *string
	StackDigest    *string
	Attempt        int
}

// Label is the human identity of the record's test, used in notification
// events.
func (r OccurrenceRecord) Label() string {
	if r.ClassName == "" {
		return r.Suite + "/" + r.Name
	}
	return r.Suite + "/" + r.ClassName + "/" + r.Name
}

// PersistStats reports what one PersistReport call did.
type PersistStats struct {
	TestCases  int
	Inserted   int
	Duplicates int
}

type testIdentity struct {
	suite     string
	className string
	name      string
}

// PersistReport upserts the test cases named by records and appends their
// occurrences for the run. Occurrence identity is (test, run, attempt);
// replays insert nothing and count as duplicates. The returned slice maps
// each record, by index, to its resolved test id.
func (s *Service) PersistReport(ctx context.Context, repoID, runID uuid.UUID, records []OccurrenceRecord) (PersistStats, []uuid.UUID, error) {
	var stats PersistStats
	if len(records) == 0 {
		return stats, nil, nil
	}

	testIDs, err := s.upsertTestCases(ctx, repoID, records)
	if err != nil {
		return stats, nil, err
	}
	stats.TestCases = len(testIDs)

	ids := make([]uuid.UUID, len(records))
	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		id := testIDs[testIdentity{rec.Suite, rec.ClassName, rec.Name}]
		ids[i] = id
		rows = append(rows, []any{
			id, runID, string(rec.Status), rec.DurationMS,
			rec.FailureMessage, rec.Signature, rec.StackDigest, rec.Attempt,
		})
	}

	var inserted int64
	if len(rows) >= copyThreshold {
		inserted, err = s.insertOccurrencesCopy(ctx, rows)
	} else {
		inserted, err = s.insertOccurrencesBatch(ctx, rows)
	}
	if err != nil {
		return stats, nil, err
	}

	stats.Inserted = int(inserted)
	stats.Duplicates = len(rows) - stats.Inserted
	return stats, ids, nil
}

// upsertTestCases resolves every distinct test identity in records to its
// id, creating rows as needed. Re-seeing a soft-deleted test revives it.
func (s *Service) upsertTestCases(ctx context.Context, repoID uuid.UUID, records []OccurrenceRecord) (map[testIdentity]uuid.UUID, error) {
	identities := make([]testIdentity, 0, len(records))
	files := make(map[testIdentity]*string, len(records))
	for _, rec := range records {
		key := testIdentity{rec.Suite, rec.ClassName, rec.Name}
		if _, ok := files[key]; ok {
			continue
		}
		identities = append(identities, key)
		files[key] = rec.File
	}

	query := `
		INSERT INTO test_cases (repo_id, suite, class_name, name, file)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, suite, class_name, name)
		DO UPDATE SET
			file = COALESCE(EXCLUDED.file, test_cases.file),
			deleted_at = NULL
		RETURNING id
	`

	ids := make(map[testIdentity]uuid.UUID, len(identities))
	for start := 0; start < len(identities); start += batchFlushSize {
		end := min(start+batchFlushSize, len(identities))
		chunk := identities[start:end]

		batch := &pgx.Batch{}
		for _, key := range chunk {
			batch.Queue(query, repoID, key.suite, key.className, key.name, files[key])
		}

		br := s.pool.SendBatch(ctx, batch)
		for _, key := range chunk {
			var id uuid.UUID
			if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("failed to upsert test case %s/%s: %w", key.suite, key.name, err)
			}
			ids[key] = id
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("failed to close test case batch: %w", err)
		}
	}
	return ids, nil
}

const insertOccurrenceSQL = `
	INSERT INTO occurrences (test_id, run_id, status, duration_ms, failure_message, failure_msg_signature, stack_digest, attempt)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (test_id, run_id, attempt) DO NOTHING
`

func (s *Service) insertOccurrencesBatch(ctx context.Context, rows [][]any) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += batchFlushSize {
		end := min(start+batchFlushSize, len(rows))
		chunk := rows[start:end]

		batch := &pgx.Batch{}
		for _, row := range chunk {
			batch.Queue(insertOccurrenceSQL, row...)
		}

		br := s.pool.SendBatch(ctx, batch)
		for range chunk {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return inserted, fmt.Errorf("failed to insert occurrence: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return inserted, fmt.Errorf("failed to close occurrence batch: %w", err)
		}
	}
	return inserted, nil
}

// insertOccurrencesCopy streams rows into a session temp table and upserts
// from it in one statement.
func (s *Service) insertOccurrencesCopy(ctx context.Context, rows [][]any) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin copy transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE occurrences_stage (
			test_id UUID NOT NULL,
			run_id UUID NOT NULL,
			status TEXT NOT NULL,
			duration_ms INT,
			failure_message TEXT,
			failure_msg_signature TEXT,
			stack_digest TEXT,
			attempt INT NOT NULL
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	columns := []string{"test_id", "run_id", "status", "duration_ms", "failure_message", "failure_msg_signature", "stack_digest", "attempt"}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"occurrences_stage"}, columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return rows[i], nil
		}))
	if err != nil {
		return 0, fmt.Errorf("failed to copy occurrences: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO occurrences (test_id, run_id, status, duration_ms, failure_message, failure_msg_signature, stack_digest, attempt)
		SELECT test_id, run_id, status, duration_ms, failure_message, failure_msg_signature, stack_digest, attempt
		FROM occurrences_stage
		ON CONFLICT (test_id, run_id, attempt) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert from staging table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit copy transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}
