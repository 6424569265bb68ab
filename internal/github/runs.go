package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// WorkflowRun is the subset of the Actions runs API the service consumes.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	RunNumber  int       `json:"run_number"`
	RunAttempt int       `json:"run_attempt"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CIJob is a single job within a workflow run.
type CIJob struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeParse, "decode api response", err)
	}
	return nil
}

// GetWorkflowRun fetches a single workflow run.
func (c *Client) GetWorkflowRun(ctx context.Context, installationID int64, owner, repo string, runID int64) (*WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	var run WorkflowRun
	err := c.request(ctx, http.MethodGet, path, installationID, func(resp *http.Response) error {
		return decodeJSON(resp, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListJobsForRun fetches every job of a run, following pagination.
func (c *Client) ListJobsForRun(ctx context.Context, installationID int64, owner, repo string, runID int64) ([]CIJob, error) {
	var jobs []CIJob
	for page := 1; page <= maxPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?filter=latest&per_page=%d&page=%d",
			owner, repo, runID, perPage, page)
		var body struct {
			Jobs []CIJob `json:"jobs"`
		}
		err := c.request(ctx, http.MethodGet, path, installationID, func(resp *http.Response) error {
			return decodeJSON(resp, &body)
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, body.Jobs...)
		if len(body.Jobs) < perPage {
			break
		}
	}
	return jobs, nil
}

// ListRecentWorkflowRuns returns completed runs created at or after since.
// The poller uses it to catch runs whose webhook delivery was missed.
func (c *Client) ListRecentWorkflowRuns(ctx context.Context, installationID int64, owner, repo string, since time.Time) ([]WorkflowRun, error) {
	created := url.QueryEscape(">=" + since.UTC().Format(time.RFC3339))
	var runs []WorkflowRun
	for page := 1; page <= maxPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/actions/runs?status=completed&created=%s&per_page=%d&page=%d",
			owner, repo, created, perPage, page)
		var body struct {
			WorkflowRuns []WorkflowRun `json:"workflow_runs"`
		}
		err := c.request(ctx, http.MethodGet, path, installationID, func(resp *http.Response) error {
			return decodeJSON(resp, &body)
		})
		if err != nil {
			return nil, err
		}
		runs = append(runs, body.WorkflowRuns...)
		if len(body.WorkflowRuns) < perPage {
			break
		}
	}
	return runs, nil
}

// RerunFailedJobs asks Actions to re-run only the failed jobs of a run.
func (c *Client) RerunFailedJobs(ctx context.Context, installationID int64, owner, repo string, runID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID)
	return c.request(ctx, http.MethodPost, path, installationID, func(resp *http.Response) error {
		return nil
	})
}
