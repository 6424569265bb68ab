package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/audit"
	"github.com/thc1006/flakeguard/internal/github"
	"github.com/thc1006/flakeguard/internal/ingest"
	"github.com/thc1006/flakeguard/internal/quarantine"
	"github.com/thc1006/flakeguard/internal/queue"
	"github.com/thc1006/flakeguard/internal/repos"
)

const (
	// ingestAttempts bounds retries for one run's ingestion; transient
	// download failures already retry inside the pipeline.
	ingestAttempts = 3
	ingestBackoff  = 10 * time.Second

	// pollLookback is how far back the poller asks the provider for runs.
	// Generous against the 5 minute schedule so missed cycles self-heal.
	pollLookback = time.Hour
)

// Processors hold the dependencies the queue workers execute with.
type Processors struct {
	repos       *repos.Service
	runs        *ingest.Service
	pipeline    *ingest.Pipeline
	decisions   *quarantine.Service
	auditor     *audit.Writer
	gh          *github.Client
	ingestQueue *queue.Queue
}

// ProcessorConfig wires a Processors value.
type ProcessorConfig struct {
	Repos       *repos.Service
	Runs        *ingest.Service
	Pipeline    *ingest.Pipeline
	Decisions   *quarantine.Service
	Audit       *audit.Writer
	GitHub      *github.Client
	IngestQueue *queue.Queue
}

// NewProcessors creates the processor set. GitHub may be nil; the poller
// then reports a skip instead of listing runs.
func NewProcessors(cfg ProcessorConfig) *Processors {
	return &Processors{
		repos:       cfg.Repos,
		runs:        cfg.Runs,
		pipeline:    cfg.Pipeline,
		decisions:   cfg.Decisions,
		auditor:     cfg.Audit,
		gh:          cfg.GitHub,
		ingestQueue: cfg.IngestQueue,
	}
}

// Register binds each job type to its worker.
func (p *Processors) Register(events, ingestWorker, maintenance *queue.Worker) {
	events.Register(TypeWebhookEvent, p.ProcessWebhookEvent)
	ingestWorker.Register(TypeArtifactProcess, p.ProcessArtifact)
	maintenance.Register(TypePollRuns, p.ProcessPollRuns)
}

// Webhook payload shapes; only the fields the processors read.
type eventRepository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type eventInstallation struct {
	ID int64 `json:"id"`
}

type eventSender struct {
	Login string `json:"login"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID           int64      `json:"id"`
		HeadBranch   string     `json:"head_branch"`
		HeadSHA      string     `json:"head_sha"`
		RunAttempt   int        `json:"run_attempt"`
		Event        string     `json:"event"`
		Status       string     `json:"status"`
		Conclusion   string     `json:"conclusion"`
		RunStartedAt *time.Time `json:"run_started_at"`
	} `json:"workflow_run"`
	Repository eventRepository    `json:"repository"`
	Install    *eventInstallation `json:"installation"`
}

type workflowJobEvent struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID          int64      `json:"id"`
		RunID       int64      `json:"run_id"`
		Name        string     `json:"name"`
		Status      string     `json:"status"`
		Conclusion  string     `json:"conclusion"`
		StartedAt   *time.Time `json:"started_at"`
		CompletedAt *time.Time `json:"completed_at"`
	} `json:"workflow_job"`
	Repository eventRepository    `json:"repository"`
	Install    *eventInstallation `json:"installation"`
}

type checkRunEvent struct {
	Action          string `json:"action"`
	RequestedAction struct {
		Identifier string `json:"identifier"`
	} `json:"requested_action"`
	CheckRun struct {
		// FlakeGuard-created check runs carry the test id here.
		ExternalID string `json:"external_id"`
	} `json:"check_run"`
	Repository eventRepository `json:"repository"`
	Sender     eventSender     `json:"sender"`
}

// ProcessWebhookEvent persists repository, run and job state carried by a
// webhook delivery, and hands completed runs to the ingest queue.
func (p *Processors) ProcessWebhookEvent(ctx context.Context, job *queue.Job) (any, error) {
	var payload WebhookEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode webhook job payload", err)
	}

	switch payload.Event {
	case "workflow_run":
		return p.handleWorkflowRun(ctx, payload)
	case "workflow_job":
		return p.handleWorkflowJob(ctx, payload)
	case "check_run":
		return p.handleCheckRun(ctx, payload)
	case "check_suite", "pull_request":
		// Nothing persisted yet; the delivery still refreshes the
		// repository registration so installs stay mapped.
		return p.refreshRepository(ctx, payload)
	default:
		log.Debug().
			Str("delivery_id", payload.DeliveryID).
			Str("event", payload.Event).
			Msg("Webhook event type has no processor")
		return map[string]string{"outcome": "ignored"}, nil
	}
}

func (p *Processors) handleWorkflowRun(ctx context.Context, payload WebhookEventPayload) (any, error) {
	var ev workflowRunEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode workflow_run event", err)
	}
	if ev.Repository.Owner.Login == "" || ev.Repository.Name == "" || ev.WorkflowRun.ID == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "workflow_run event missing repository or run")
	}

	repo, err := p.upsertEventRepo(ctx, ev.Repository, ev.Install)
	if err != nil {
		return nil, err
	}

	attempt := ev.WorkflowRun.RunAttempt
	if attempt < 1 {
		attempt = 1
	}
	var conclusion *string
	if ev.WorkflowRun.Conclusion != "" {
		conclusion = &ev.WorkflowRun.Conclusion
	}

	run, err := p.runs.UpsertRun(ctx, ingest.RunParams{
		RepoID:     repo.ID,
		ExternalID: ev.WorkflowRun.ID,
		Status:     normalizeRunStatus(ev.WorkflowRun.Status),
		Conclusion: conclusion,
		RunAttempt: attempt,
		HeadSHA:    ev.WorkflowRun.HeadSHA,
		Branch:     ev.WorkflowRun.HeadBranch,
		Event:      ev.WorkflowRun.Event,
		StartedAt:  ev.WorkflowRun.RunStartedAt,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "upsert workflow run", err)
	}

	result := map[string]any{
		"repo_id": repo.ID,
		"run_id":  run.ID,
		"action":  ev.Action,
	}

	if ev.Action != "completed" {
		return result, nil
	}

	enqueued, err := p.enqueueIngestion(ctx, repo, run)
	if err != nil {
		return nil, err
	}
	result["ingest_enqueued"] = enqueued
	return result, nil
}

func (p *Processors) handleWorkflowJob(ctx context.Context, payload WebhookEventPayload) (any, error) {
	var ev workflowJobEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode workflow_job event", err)
	}
	if ev.Repository.Owner.Login == "" || ev.Repository.Name == "" || ev.WorkflowJob.ID == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "workflow_job event missing repository or job")
	}

	repo, err := p.upsertEventRepo(ctx, ev.Repository, ev.Install)
	if err != nil {
		return nil, err
	}

	run, err := p.runs.GetRunByExternalID(ctx, repo.ID, ev.WorkflowJob.RunID)
	if errors.Is(err, ingest.ErrRunNotFound) {
		// Job events can race ahead of their run event; the run delivery
		// or the poller will create the row and later job events land.
		log.Debug().
			Str("repo", repo.Slug()).
			Int64("external_run_id", ev.WorkflowJob.RunID).
			Msg("Workflow job arrived before its run; skipping")
		return map[string]string{"outcome": "run_not_seen_yet"}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "load workflow run", err)
	}

	var conclusion *string
	if ev.WorkflowJob.Conclusion != "" {
		conclusion = &ev.WorkflowJob.Conclusion
	}
	err = p.runs.UpsertCIJob(ctx, ingest.CIJobParams{
		RunID:       run.ID,
		ExternalID:  ev.WorkflowJob.ID,
		Name:        ev.WorkflowJob.Name,
		Status:      ev.WorkflowJob.Status,
		Conclusion:  conclusion,
		StartedAt:   ev.WorkflowJob.StartedAt,
		CompletedAt: ev.WorkflowJob.CompletedAt,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "upsert ci job", err)
	}

	return map[string]any{"repo_id": repo.ID, "run_id": run.ID, "job": ev.WorkflowJob.Name}, nil
}

func (p *Processors) handleCheckRun(ctx context.Context, payload WebhookEventPayload) (any, error) {
	var ev checkRunEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode check_run event", err)
	}
	if ev.Action != "requested_action" {
		return map[string]string{"outcome": "ignored"}, nil
	}

	testID, err := uuid.Parse(ev.CheckRun.ExternalID)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, "check_run external_id is not a test id")
	}

	var decidedBy *string
	if ev.Sender.Login != "" {
		decidedBy = &ev.Sender.Login
	}

	actor := ev.Sender.Login

	switch ev.RequestedAction.Identifier {
	case "quarantine":
		decision, err := p.decisions.Record(ctx, testID, quarantine.StateActive, "quarantined from check run", decidedBy, nil)
		if errors.Is(err, quarantine.ErrAlreadyActive) {
			return map[string]string{"outcome": "already_active"}, nil
		}
		if errors.Is(err, quarantine.ErrTestNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "check_run names an unknown test")
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodePersistence, "record quarantine decision", err)
		}
		if err := p.auditor.LogDecisionRecorded(ctx, testID, decision.ID, actor, string(decision.State), decision.Rationale); err != nil {
			log.Warn().Err(err).Msg("Failed to audit quarantine decision")
		}
		return map[string]any{"outcome": "quarantined", "decision_id": decision.ID}, nil
	case "release":
		decision, err := p.decisions.Release(ctx, testID, decidedBy)
		if errors.Is(err, quarantine.ErrTestNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "check_run names an unknown test")
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodePersistence, "release quarantine decision", err)
		}
		if decision == nil {
			return map[string]string{"outcome": "nothing_active"}, nil
		}
		if err := p.auditor.LogDecisionReleased(ctx, testID, decision.ID, actor); err != nil {
			log.Warn().Err(err).Msg("Failed to audit quarantine release")
		}
		return map[string]any{"outcome": "released", "decision_id": decision.ID}, nil
	default:
		return map[string]string{"outcome": "ignored"}, nil
	}
}

func (p *Processors) refreshRepository(ctx context.Context, payload WebhookEventPayload) (any, error) {
	var ev struct {
		Repository eventRepository    `json:"repository"`
		Install    *eventInstallation `json:"installation"`
	}
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode event", err)
	}
	if ev.Repository.Owner.Login == "" || ev.Repository.Name == "" {
		return map[string]string{"outcome": "ignored"}, nil
	}
	repo, err := p.upsertEventRepo(ctx, ev.Repository, ev.Install)
	if err != nil {
		return nil, err
	}
	return map[string]any{"outcome": "repository_refreshed", "repo_id": repo.ID}, nil
}

func (p *Processors) upsertEventRepo(ctx context.Context, er eventRepository, inst *eventInstallation) (*repos.Repository, error) {
	params := repos.UpsertParams{
		Provider: "github",
		Owner:    er.Owner.Login,
		Name:     er.Name,
	}
	if inst != nil && inst.ID != 0 {
		params.InstallationID = &inst.ID
	}
	repo, err := p.repos.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "upsert repository", err)
	}
	return repo, nil
}

// enqueueIngestion queues the artifact pipeline for one run attempt. The
// deterministic job ID makes webhook re-deliveries and poller catch-ups
// converge on a single job.
func (p *Processors) enqueueIngestion(ctx context.Context, repo *repos.Repository, run *ingest.Run) (bool, error) {
	if run.IngestedAt != nil {
		return false, nil
	}

	var installationID int64
	if repo.InstallationID != nil {
		installationID = *repo.InstallationID
	}

	payload := ArtifactProcessPayload{
		RepoID:         repo.ID,
		Owner:          repo.Owner,
		Repo:           repo.Name,
		RunID:          run.ID,
		ExternalRunID:  run.ExternalID,
		RunAttempt:     run.RunAttempt,
		InstallationID: installationID,
	}

	_, err := p.ingestQueue.Enqueue(ctx, TypeArtifactProcess, payload, queue.EnqueueOptions{
		JobID:    IngestJobID(repo.ID, run.ExternalID, run.RunAttempt),
		Attempts: ingestAttempts,
		Backoff:  ingestBackoff,
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistence, "enqueue ingestion", err)
	}

	log.Info().
		Str("repo", repo.Slug()).
		Int64("external_run_id", run.ExternalID).
		Int("attempt", run.RunAttempt).
		Msg("Queued run for ingestion")
	return true, nil
}

// ProcessArtifact runs the ingest pipeline for one workflow run.
func (p *Processors) ProcessArtifact(ctx context.Context, job *queue.Job) (any, error) {
	var payload ArtifactProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParse, "decode artifact job payload", err)
	}

	ref := ingest.RunRef{
		RepoID:         payload.RepoID,
		Owner:          payload.Owner,
		Repo:           payload.Repo,
		RunID:          payload.RunID,
		ExternalRunID:  payload.ExternalRunID,
		RunAttempt:     payload.RunAttempt,
		InstallationID: payload.InstallationID,
	}

	progress := func(phase string, pct int) {
		if err := p.ingestQueue.SetProgress(ctx, job.ID, pct); err != nil {
			log.Debug().Err(err).Str("job_id", job.ID).Msg("Failed to record job progress")
		}
		log.Debug().
			Str("job_id", job.ID).
			Str("phase", phase).
			Int("pct", pct).
			Msg("Ingestion progress")
	}

	return p.pipeline.ProcessRun(ctx, ref, progress)
}

// ProcessPollRuns sweeps active repositories for completed runs the
// webhooks missed and queues them for ingestion.
func (p *Processors) ProcessPollRuns(ctx context.Context, _ *queue.Job) (any, error) {
	if p.gh == nil {
		return map[string]string{"outcome": "github_not_configured"}, nil
	}
	if until, blocked := p.gh.Gate().Blocked(time.Now()); blocked {
		log.Warn().Time("until", until).Msg("Skipping poll cycle; rate limit gate armed")
		return map[string]any{"outcome": "rate_limited", "blocked_until": until}, nil
	}

	repositories, err := p.repos.ListPollable(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "list pollable repositories", err)
	}

	since := time.Now().Add(-pollLookback)
	var polled, enqueued, failed int

	for _, repo := range repositories {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := p.pollRepository(ctx, repo, since)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("repo", repo.Slug()).Msg("Failed to poll repository")
			// A freshly armed gate means every remaining repo would fail
			// the same way.
			if _, blocked := p.gh.Gate().Blocked(time.Now()); blocked {
				break
			}
			continue
		}
		polled++
		enqueued += n
	}

	return map[string]any{
		"repositories": polled,
		"enqueued":     enqueued,
		"failed":       failed,
	}, nil
}

func (p *Processors) pollRepository(ctx context.Context, repo repos.Repository, since time.Time) (int, error) {
	if repo.InstallationID == nil {
		return 0, fmt.Errorf("repository %s has no installation", repo.Slug())
	}

	runs, err := p.gh.ListRecentWorkflowRuns(ctx, *repo.InstallationID, repo.Owner, repo.Name, since)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, wr := range runs {
		if wr.Status != "completed" {
			continue
		}

		attempt := wr.RunAttempt
		if attempt < 1 {
			attempt = 1
		}
		var conclusion *string
		if wr.Conclusion != "" {
			c := wr.Conclusion
			conclusion = &c
		}
		var startedAt *time.Time
		if !wr.CreatedAt.IsZero() {
			t := wr.CreatedAt
			startedAt = &t
		}

		run, err := p.runs.UpsertRun(ctx, ingest.RunParams{
			RepoID:     repo.ID,
			ExternalID: wr.ID,
			Status:     "completed",
			Conclusion: conclusion,
			RunAttempt: attempt,
			HeadSHA:    wr.HeadSHA,
			Branch:     wr.HeadBranch,
			Event:      wr.Event,
			StartedAt:  startedAt,
		})
		if err != nil {
			return enqueued, err
		}

		ok, err := p.enqueueIngestion(ctx, &repo, run)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

func normalizeRunStatus(status string) string {
	switch status {
	case "queued", "in_progress", "completed":
		return status
	// Requested/pending/waiting variants all mean the run has not started.
	default:
		return "queued"
	}
}
