package ingest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/cluster"
	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/github"
	"github.com/thc1006/flakeguard/internal/junit"
	"github.com/thc1006/flakeguard/internal/metrics"
	"github.com/thc1006/flakeguard/internal/notify"
	"github.com/thc1006/flakeguard/internal/policy"
)

const (
	downloadBackoffBase = 2 * time.Second
	downloadBackoffCap  = 30 * time.Second
)

// Options tune the artifact pipeline.
type Options struct {
	Parallelism      int
	DownloadRetries  int
	MinArtifactBytes int64
	MaxArtifactBytes int64
	// NamePatterns are extra doublestar globs for artifact selection.
	NamePatterns []string
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 3
	}
	if o.DownloadRetries <= 0 {
		o.DownloadRetries = 3
	}
	if o.MinArtifactBytes <= 0 {
		o.MinArtifactBytes = 100
	}
	if o.MaxArtifactBytes <= 0 {
		o.MaxArtifactBytes = 100 << 20
	}
	return o
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Store    *Service
	GitHub   *github.Client
	Clusters *cluster.Service
	Flakes   *flake.Service
	Policies *policy.Service
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Options  Options
}

// Pipeline turns a completed workflow run into persisted occurrences and
// fresh flake scores.
type Pipeline struct {
	store    *Service
	gh       *github.Client
	clusters *cluster.Service
	flakes   *flake.Service
	policies *policy.Service
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	opts     Options
}

// NewPipeline creates the pipeline. GitHub may be nil when the app runs
// without provider credentials; ProcessRun then refuses to run while the
// direct upload path keeps working.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		store:    cfg.Store,
		gh:       cfg.GitHub,
		clusters: cfg.Clusters,
		flakes:   cfg.Flakes,
		policies: cfg.Policies,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		opts:     cfg.Options.withDefaults(),
	}
}

// RunRef identifies one workflow run attempt to ingest.
type RunRef struct {
	RepoID         uuid.UUID
	Owner          string
	Repo           string
	RunID          uuid.UUID
	ExternalRunID  int64
	RunAttempt     int
	InstallationID int64
}

func (r RunRef) slug() string {
	return r.Owner + "/" + r.Repo
}

// Failure is one recorded per-artifact or per-file error. Failures never
// abort the run; they ride along in the job result.
type Failure struct {
	Artifact string `json:"artifact,omitempty"`
	File     string `json:"file,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Result summarizes one ingestion.
type Result struct {
	ArtifactsListed     int       `json:"artifacts_listed"`
	ArtifactsProcessed  int       `json:"artifacts_processed"`
	ArtifactsSkipped    int       `json:"artifacts_skipped"`
	TestResults         int       `json:"test_results"`
	OccurrencesInserted int       `json:"occurrences_inserted"`
	Duplicates          int       `json:"duplicates"`
	ScoresRecomputed    int       `json:"scores_recomputed"`
	Failures            []Failure `json:"failures,omitempty"`
}

// ProgressFunc receives phase transitions for job progress reporting.
type ProgressFunc func(phase string, pct int)

// ProcessRun downloads, parses and persists a run's test report
// artifacts, then recomputes scores for every touched test. Individual
// artifact failures are recorded in the result; only infrastructure
// errors fail the whole run.
func (pl *Pipeline) ProcessRun(ctx context.Context, ref RunRef, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	if pl.gh == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "github adapter not configured")
	}
	start := time.Now()

	run, err := pl.store.GetRun(ctx, ref.RunID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "unknown workflow run", err)
	}
	seenAt := run.CreatedAt
	if run.StartedAt != nil {
		seenAt = *run.StartedAt
	}

	progress("listing", 5)
	artifacts, err := pl.gh.ListRunArtifacts(ctx, ref.InstallationID, ref.Owner, ref.Repo, ref.ExternalRunID)
	if err != nil {
		return nil, err
	}

	res := &Result{ArtifactsListed: len(artifacts)}
	filter := ArtifactFilter{
		MinBytes: pl.opts.MinArtifactBytes,
		MaxBytes: pl.opts.MaxArtifactBytes,
		Patterns: pl.opts.NamePatterns,
	}

	var selected []github.Artifact
	for _, art := range artifacts {
		ok, reason := filter.Select(art)
		if ok {
			selected = append(selected, art)
			continue
		}
		res.ArtifactsSkipped++
		if reason == skipOversize {
			res.Failures = append(res.Failures, Failure{
				Artifact: art.Name,
				Code:     string(apperrors.CodeArtifactTooLarge),
				Message:  fmt.Sprintf("artifact is %d bytes, limit %d", art.SizeInBytes, pl.opts.MaxArtifactBytes),
			})
			pl.countArtifact("too_large")
		}
	}

	if len(selected) == 0 {
		log.Info().
			Str("repo", ref.slug()).
			Int64("run", ref.ExternalRunID).
			Int("listed", res.ArtifactsListed).
			Msg("No test report artifacts on run")
		pl.markIngested(ctx, ref)
		progress("done", 100)
		return res, nil
	}

	tmpRoot, err := os.MkdirTemp("", "flakeguard-ingest-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to create temp dir", err)
	}
	defer os.RemoveAll(tmpRoot)

	var mu sync.Mutex
	touched := make(map[uuid.UUID]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pl.opts.Parallelism)
	for _, art := range selected {
		g.Go(func() error {
			return pl.processArtifact(gctx, ref, art, tmpRoot, seenAt, res, touched, &mu, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	progress("scoring", 85)
	recomputed, err := pl.postProcess(ctx, ref.RepoID, ref.slug(), touched)
	res.ScoresRecomputed = recomputed
	if err != nil {
		return res, err
	}

	pl.markIngested(ctx, ref)
	progress("done", 100)

	log.Info().
		Str("repo", ref.slug()).
		Int64("run", ref.ExternalRunID).
		Int("artifacts", res.ArtifactsProcessed).
		Int("test_results", res.TestResults).
		Int("inserted", res.OccurrencesInserted).
		Int("duplicates", res.Duplicates).
		Int("rescored", res.ScoresRecomputed).
		Int("failures", len(res.Failures)).
		Dur("duration", time.Since(start)).
		Msg("Ingested workflow run")

	return res, nil
}

// IngestReport persists one already-parsed report against a run and runs
// the same post-processing as the artifact path. The direct upload
// endpoint uses it; there is nothing to download or extract.
func (pl *Pipeline) IngestReport(ctx context.Context, repoID uuid.UUID, repoSlug string, run *Run, report *junit.Report) (*Result, error) {
	records := make([]OccurrenceRecord, 0, len(report.Results))
	for _, result := range report.Results {
		records = append(records, recordFromResult(result))
	}

	seenAt := run.CreatedAt
	if run.StartedAt != nil {
		seenAt = *run.StartedAt
	}

	res := &Result{TestResults: len(records)}
	stats, labels, err := pl.persistRecords(ctx, repoID, run.ID, records, seenAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to persist report", err)
	}
	res.OccurrencesInserted = stats.Inserted
	res.Duplicates = stats.Duplicates

	recomputed, err := pl.postProcess(ctx, repoID, repoSlug, labels)
	res.ScoresRecomputed = recomputed
	if err != nil {
		return res, err
	}

	if err := pl.store.MarkRunIngested(ctx, run.ID); err != nil {
		log.Error().Err(err).Str("run_id", run.ID.String()).Msg("Failed to mark run ingested")
	}
	return res, nil
}

// processArtifact handles one artifact end to end. It only returns an
// error for context cancellation; everything else becomes a recorded
// failure so sibling artifacts keep going.
func (pl *Pipeline) processArtifact(ctx context.Context, ref RunRef, art github.Artifact, tmpRoot string, seenAt time.Time, res *Result, touched map[uuid.UUID]string, mu *sync.Mutex, progress ProgressFunc) error {
	artDir := filepath.Join(tmpRoot, fmt.Sprintf("artifact-%d", art.ID))
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		pl.recordFailure(res, mu, Failure{Artifact: art.Name, Code: string(apperrors.CodeInternal), Message: err.Error()})
		pl.countArtifact("error")
		return nil
	}

	progress("downloading", 20)
	zipPath, size, err := pl.download(ctx, ref, art, artDir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := apperrors.CodeOf(err)
		pl.recordFailure(res, mu, Failure{Artifact: art.Name, Code: string(code), Message: err.Error()})
		if code == apperrors.CodeArtifactExpired {
			pl.countArtifact("expired")
		} else {
			pl.countArtifact("error")
		}
		return nil
	}
	if pl.metrics != nil {
		pl.metrics.ArtifactBytes.Add(float64(size))
	}

	progress("extracting", 40)
	files, extractFailures := ExtractReports(zipPath, artDir, pl.opts.MaxArtifactBytes)
	_ = os.Remove(zipPath)
	for _, f := range extractFailures {
		f.Artifact = art.Name
		pl.recordFailure(res, mu, f)
	}

	progress("parsing", 55)
	var records []OccurrenceRecord
	for _, path := range files {
		report, err := parseReportFile(path)
		if err != nil {
			pl.recordFailure(res, mu, Failure{
				Artifact: art.Name,
				File:     strippedName(path),
				Code:     string(apperrors.CodeParse),
				Message:  err.Error(),
			})
			continue
		}
		for _, result := range report.Results {
			records = append(records, recordFromResult(result))
		}
	}

	progress("persisting", 70)
	stats, labels, err := pl.persistRecords(ctx, ref.RepoID, ref.RunID, records, seenAt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pl.recordFailure(res, mu, Failure{Artifact: art.Name, Code: string(apperrors.CodePersistence), Message: err.Error()})
		pl.countArtifact("error")
		return nil
	}

	mu.Lock()
	res.ArtifactsProcessed++
	res.TestResults += len(records)
	res.OccurrencesInserted += stats.Inserted
	res.Duplicates += stats.Duplicates
	for id, label := range labels {
		touched[id] = label
	}
	mu.Unlock()

	pl.countArtifact("ok")
	return nil
}

// download fetches the artifact zip, retrying retryable errors. Each
// attempt re-issues the API call, so the short-lived storage URL is
// re-resolved rather than reused after expiry.
func (pl *Pipeline) download(ctx context.Context, ref RunRef, art github.Artifact, destDir string) (string, int64, error) {
	var lastErr error
	for attempt := 1; attempt <= pl.opts.DownloadRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, downloadBackoff(attempt-1)); err != nil {
				return "", 0, err
			}
		}
		path, size, err := pl.gh.DownloadArtifact(ctx, ref.InstallationID, ref.Owner, ref.Repo, art.ID, destDir, pl.opts.MaxArtifactBytes)
		if err == nil {
			return path, size, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
		log.Warn().
			Err(err).
			Str("artifact", art.Name).
			Int("attempt", attempt).
			Msg("Artifact download failed, retrying")
	}
	return "", 0, lastErr
}

// persistRecords writes occurrences and updates failure clusters for one
// parsed batch. Returns per-test labels keyed by id for post-processing.
func (pl *Pipeline) persistRecords(ctx context.Context, repoID, runID uuid.UUID, records []OccurrenceRecord, seenAt time.Time) (PersistStats, map[uuid.UUID]string, error) {
	stats, ids, err := pl.store.PersistReport(ctx, repoID, runID, records)
	if err != nil {
		return stats, nil, err
	}

	labels := make(map[uuid.UUID]string, len(ids))
	for i, rec := range records {
		labels[ids[i]] = rec.Label()
	}

	if updates := clusterUpdates(records, ids, seenAt); len(updates) > 0 {
		if err := pl.clusters.RecordFailures(ctx, repoID, updates); err != nil {
			// Clusters are derived data; the occurrences already landed.
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to update failure clusters")
		}
	}

	if pl.metrics != nil {
		pl.metrics.TestResultsIngested.Add(float64(len(records)))
		pl.metrics.OccurrencesInserted.WithLabelValues("inserted").Add(float64(stats.Inserted))
		pl.metrics.OccurrencesInserted.WithLabelValues("duplicate").Add(float64(stats.Duplicates))
	}
	return stats, labels, nil
}

// postProcess rescores every touched test under the repository's
// effective policy and notifies tests that crossed into a quarantine
// recommendation.
func (pl *Pipeline) postProcess(ctx context.Context, repoID uuid.UUID, repoSlug string, touched map[uuid.UUID]string) (int, error) {
	if len(touched) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}

	pol, _, err := pl.policies.EffectiveForRepo(ctx, repoID)
	if err != nil {
		log.Warn().Err(err).Str("repo_id", repoID.String()).Msg("Falling back to default policy")
		pol = pl.policies.Defaults()
	}

	before, err := pl.flakes.RecommendationsFor(ctx, ids)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodePersistence, "failed to load prior recommendations", err)
	}

	recomputed, err := pl.flakes.RecomputeScores(ctx, ids, pol.ScoreParams())
	if err != nil {
		return recomputed, err
	}
	if pl.metrics != nil {
		pl.metrics.ScoresRecomputed.Add(float64(recomputed))
	}

	if pl.notifier.Enabled() {
		after, err := pl.flakes.RecommendationsFor(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load recommendations for notification diff")
			return recomputed, nil
		}
		for id, rec := range after {
			if rec != flake.RecommendationQuarantine || before[id] == flake.RecommendationQuarantine {
				continue
			}
			score, err := pl.flakes.GetScore(ctx, id)
			if err != nil {
				continue
			}
			decision := policy.Evaluate(pol, score.Score, score.Features)
			pl.notifier.Send(ctx, notify.Event{
				Event:          notify.EventQuarantineRecommended,
				Repo:           repoSlug,
				Test:           touched[id],
				Score:          score.Score,
				Recommendation: string(rec),
				Rationale:      decision.Rationale,
			})
		}
	}
	return recomputed, nil
}

func (pl *Pipeline) markIngested(ctx context.Context, ref RunRef) {
	if err := pl.store.MarkRunIngested(ctx, ref.RunID); err != nil {
		log.Error().Err(err).Int64("run", ref.ExternalRunID).Msg("Failed to mark run ingested")
	}
}

func (pl *Pipeline) recordFailure(res *Result, mu *sync.Mutex, f Failure) {
	mu.Lock()
	res.Failures = append(res.Failures, f)
	mu.Unlock()
}

func (pl *Pipeline) countArtifact(outcome string) {
	if pl.metrics != nil {
		pl.metrics.ArtifactsProcessed.WithLabelValues(outcome).Inc()
	}
}

// recordFromResult converts a parsed result into its storage form,
// computing failure signatures while the message text is at hand.
func recordFromResult(result junit.TestResult) OccurrenceRecord {
	rec := OccurrenceRecord{
		Suite:     result.Suite,
		ClassName: result.ClassName,
		Name:      result.Name,
		Status:    result.Status,
		Attempt:   result.Attempt,
	}
	if result.File != "" {
		rec.File = &result.File
	}
	duration := result.DurationMS
	rec.DurationMS = &duration

	if result.Status != junit.StatusFailed && result.Status != junit.StatusError {
		return rec
	}

	message := result.Message
	if message == "" {
		message = result.Detail
	}
	if message != "" {
		rec.FailureMessage = &message
		if sig := cluster.Signature(message); sig != "" {
			rec.Signature = &sig
		}
	}
	if result.Detail != "" {
		if digest := cluster.StackDigest(result.Detail); digest != "" {
			rec.StackDigest = &digest
		}
	}
	return rec
}

// clusterUpdates aggregates a batch's failures by signature.
func clusterUpdates(records []OccurrenceRecord, ids []uuid.UUID, seenAt time.Time) []cluster.Update {
	bySig := make(map[string]*cluster.Update)
	var order []string

	for i, rec := range records {
		if rec.Status != junit.StatusFailed && rec.Status != junit.StatusError {
			continue
		}
		if rec.Signature == nil || *rec.Signature == "" {
			continue
		}
		sig := *rec.Signature
		u := bySig[sig]
		if u == nil {
			message := ""
			if rec.FailureMessage != nil {
				message = *rec.FailureMessage
			}
			u = &cluster.Update{
				Signature:      sig,
				Category:       cluster.Classify(message),
				ExampleMessage: message,
				LastSeenAt:     seenAt,
			}
			bySig[sig] = u
			order = append(order, sig)
		}
		u.Count++
		u.TestIDs = appendUniqueID(u.TestIDs, ids[i])
	}

	updates := make([]cluster.Update, 0, len(order))
	for _, sig := range order {
		updates = append(updates, *bySig[sig])
	}
	return updates
}

func appendUniqueID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func parseReportFile(path string) (*junit.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return junit.Parse(f)
}

// strippedName drops the extraction sequence prefix for human-facing
// failure records.
func strippedName(path string) string {
	base := filepath.Base(path)
	if len(base) > 5 && base[4] == '_' {
		return base[5:]
	}
	return base
}

func downloadBackoff(attempt int) time.Duration {
	d := downloadBackoffBase << (attempt - 1)
	if d > downloadBackoffCap {
		d = downloadBackoffCap
	}
	// ±10% jitter
	jitter := time.Duration(rand.Int64N(int64(d)/5)) - d/10
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
