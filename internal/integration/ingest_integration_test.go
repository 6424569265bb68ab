package integration

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/apikeys"
	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/repos"
)

// TestIntegration_JUnitUploadRoundTrip exercises the direct-upload path
// end to end: key-scoped auth, parsing, occurrence persistence with
// duplicate suppression, and the score read side.
func TestIntegration_JUnitUploadRoundTrip(t *testing.T) {
	requirePostgres(t)
	stack := newTestStack(t)
	ctx := context.Background()

	repo, err := stack.repos.Upsert(ctx, repos.UpsertParams{
		Provider: "github",
		Owner:    "acme",
		Name:     "billing",
	})
	require.NoError(t, err)

	_, token, err := stack.keys.Create(ctx, repo.ID, "ci-uploader", []apikeys.Scope{apikeys.ScopeIngest}, nil)
	require.NoError(t, err)

	// First upload: two results for the retried test, one clean pass.
	result := uploadJUnit(t, stack.baseURL, token, 4201, "flaky_suite.xml")
	require.Equal(t, 3, result.TestResults)
	require.Equal(t, 3, result.OccurrencesInserted)
	require.Equal(t, 0, result.Duplicates)
	require.Equal(t, 2, result.ScoresRecomputed)
	require.Empty(t, result.Failures)

	// Same run uploaded again: every occurrence is a duplicate.
	result = uploadJUnit(t, stack.baseURL, token, 4201, "flaky_suite.xml")
	require.Equal(t, 3, result.TestResults)
	require.Equal(t, 0, result.OccurrencesInserted)
	require.Equal(t, 3, result.Duplicates)

	run, err := stack.runs.GetRunByExternalID(ctx, repo.ID, 4201)
	require.NoError(t, err)
	require.NotNil(t, run.IngestedAt, "direct upload marks the run ingested")

	// With two runs' evidence the retried test leads the flakiest view
	// but stays below the quarantine evidence minimum.
	result = uploadJUnit(t, stack.baseURL, token, 4202, "passing_suite.xml")
	require.Equal(t, 2, result.TestResults)
	require.Equal(t, 2, result.OccurrencesInserted)

	var flakiest flake.FlakiestResponse
	getJSON(t, stack.baseURL+"/api/v1/repositories/"+repo.ID.String()+"/tests/flakiest?limit=5", &flakiest)
	require.Len(t, flakiest.Tests, 2)
	top := flakiest.Tests[0]
	require.Equal(t, "checkout", top.Suite)
	require.Equal(t, "applies_discount", top.Name)
	require.Greater(t, top.Score, flakiest.Tests[1].Score)
	require.Equal(t, flake.RecommendationWarn, top.Recommendation)
	require.Equal(t, 3, top.TotalRuns)
	require.Equal(t, 1, top.Failures)

	// Occurrence history, newest first, carries the failure detail.
	var history flake.HistoryResponse
	getJSON(t, stack.baseURL+"/api/v1/tests/"+top.TestID.String()+"/history?limit=10", &history)
	require.Len(t, history.Entries, 3)
	require.EqualValues(t, 4202, history.Entries[0].RunExternalID)
	require.Equal(t, "passed", history.Entries[0].Status)

	var failed *flake.HistoryEntry
	for i := range history.Entries {
		if history.Entries[i].Status == "failed" {
			failed = &history.Entries[i]
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, 1, failed.Attempt)
	require.NotNil(t, failed.FailureMessage)
	require.Contains(t, *failed.FailureMessage, "AssertionError")
	require.NotNil(t, failed.Signature)
}

// TestIntegration_JUnitUploadRejections covers the upload guard rails:
// missing credentials and unparseable documents.
func TestIntegration_JUnitUploadRejections(t *testing.T) {
	requirePostgres(t)
	stack := newTestStack(t)
	ctx := context.Background()

	repo, err := stack.repos.Upsert(ctx, repos.UpsertParams{
		Provider: "github",
		Owner:    "acme",
		Name:     "billing",
	})
	require.NoError(t, err)

	_, token, err := stack.keys.Create(ctx, repo.ID, "ci-uploader", []apikeys.Scope{apikeys.ScopeIngest}, nil)
	require.NoError(t, err)

	// No Authorization header.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("run_id", "4301"))
	fw, err := mw.CreateFormFile("file", "report.xml")
	require.NoError(t, err)
	_, err = fw.Write([]byte("<testsuite/>"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, stack.baseURL+"/api/v1/ingest/junit", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Authenticated but not XML.
	buf.Reset()
	mw = multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("run_id", "4302"))
	fw, err = mw.CreateFormFile("file", "report.xml")
	require.NoError(t, err)
	_, err = fw.Write([]byte("definitely not xml"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err = http.NewRequest(http.MethodPost, stack.baseURL+"/api/v1/ingest/junit", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Nothing landed for either attempt.
	_, err = stack.runs.GetRunByExternalID(ctx, repo.ID, 4301)
	require.Error(t, err)
}
