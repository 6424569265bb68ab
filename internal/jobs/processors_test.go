package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIngestJobIDDeterministic(t *testing.T) {
	repoID := uuid.MustParse("7f9c24e5-2c33-4ab0-9f67-5f3a2f1b8a01")

	id := IngestJobID(repoID, 4242, 2)
	require.Equal(t, "ingest:7f9c24e5-2c33-4ab0-9f67-5f3a2f1b8a01:4242:2", id)
	require.Equal(t, id, IngestJobID(repoID, 4242, 2))
	require.NotEqual(t, id, IngestJobID(repoID, 4242, 3))
	require.NotEqual(t, id, IngestJobID(repoID, 4243, 2))
}

func TestWorkflowRunEventDecoding(t *testing.T) {
	started := time.Date(2025, 3, 10, 14, 2, 0, 0, time.UTC)
	body := `{
		"action": "completed",
		"workflow_run": {
			"id": 987654321,
			"head_branch": "main",
			"head_sha": "a1b2c3d4",
			"run_attempt": 2,
			"event": "push",
			"status": "completed",
			"conclusion": "failure",
			"run_started_at": "2025-03-10T14:02:00Z"
		},
		"repository": {
			"name": "checkout",
			"owner": {"login": "acme"}
		},
		"installation": {"id": 55443}
	}`

	var ev workflowRunEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))

	require.Equal(t, "completed", ev.Action)
	require.Equal(t, int64(987654321), ev.WorkflowRun.ID)
	require.Equal(t, "main", ev.WorkflowRun.HeadBranch)
	require.Equal(t, "a1b2c3d4", ev.WorkflowRun.HeadSHA)
	require.Equal(t, 2, ev.WorkflowRun.RunAttempt)
	require.Equal(t, "failure", ev.WorkflowRun.Conclusion)
	require.Equal(t, "acme", ev.Repository.Owner.Login)
	require.Equal(t, "checkout", ev.Repository.Name)
	require.NotNil(t, ev.Install)
	require.Equal(t, int64(55443), ev.Install.ID)
	require.NotNil(t, ev.WorkflowRun.RunStartedAt)
	require.True(t, started.Equal(*ev.WorkflowRun.RunStartedAt))
}

func TestWorkflowJobEventDecoding(t *testing.T) {
	body := `{
		"action": "completed",
		"workflow_job": {
			"id": 111,
			"run_id": 987654321,
			"name": "unit-tests",
			"status": "completed",
			"conclusion": "success",
			"started_at": "2025-03-10T14:02:10Z",
			"completed_at": "2025-03-10T14:05:40Z"
		},
		"repository": {
			"name": "checkout",
			"owner": {"login": "acme"}
		}
	}`

	var ev workflowJobEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))

	require.Equal(t, int64(111), ev.WorkflowJob.ID)
	require.Equal(t, int64(987654321), ev.WorkflowJob.RunID)
	require.Equal(t, "unit-tests", ev.WorkflowJob.Name)
	require.Equal(t, "success", ev.WorkflowJob.Conclusion)
	require.Nil(t, ev.Install)
	require.NotNil(t, ev.WorkflowJob.StartedAt)
	require.NotNil(t, ev.WorkflowJob.CompletedAt)
}

func TestCheckRunEventDecoding(t *testing.T) {
	testID := uuid.New()
	body := `{
		"action": "requested_action",
		"requested_action": {"identifier": "quarantine"},
		"check_run": {"external_id": "` + testID.String() + `"},
		"repository": {"name": "checkout", "owner": {"login": "acme"}},
		"sender": {"login": "octocat"}
	}`

	var ev checkRunEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))

	require.Equal(t, "requested_action", ev.Action)
	require.Equal(t, "quarantine", ev.RequestedAction.Identifier)
	require.Equal(t, testID.String(), ev.CheckRun.ExternalID)
	require.Equal(t, "octocat", ev.Sender.Login)
}

func TestNormalizeRunStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"queued", "queued"},
		{"in_progress", "in_progress"},
		{"completed", "completed"},
		{"requested", "queued"},
		{"waiting", "queued"},
		{"pending", "queued"},
		{"", "queued"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, normalizeRunStatus(tt.in), "status %q", tt.in)
	}
}
