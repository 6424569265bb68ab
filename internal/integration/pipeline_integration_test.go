package integration

import (
	"archive/zip"
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/cluster"
	"github.com/thc1006/flakeguard/internal/config"
	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/github"
	"github.com/thc1006/flakeguard/internal/ingest"
	"github.com/thc1006/flakeguard/internal/jobs"
	"github.com/thc1006/flakeguard/internal/metrics"
	"github.com/thc1006/flakeguard/internal/notify"
	"github.com/thc1006/flakeguard/internal/policy"
	"github.com/thc1006/flakeguard/internal/queue"
	"github.com/thc1006/flakeguard/internal/repos"
)

const goodReportXML = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="checkout" tests="2" failures="1" errors="0" skipped="0" time="1.6">
  <testcase classname="checkout.CartTest" name="applies_discount" time="1.2">
    <failure message="AssertionError: expected 90 got 100">at cart_test.py:42</failure>
  </testcase>
  <testcase classname="checkout.CartTest" name="computes_total" time="0.4"/>
</testsuite>
`

// Cut off mid-element: a parse error, never a partial result.
const brokenReportXML = `<?xml version="1.0"?><testsuite name="broken"><testcase classname="x"`

func appKeyB64(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return base64.StdEncoding.EncodeToString(pemBytes)
}

// reportZip bundles a good report, a broken one and a non-XML bystander the
// way a runner's upload-artifact step would.
func reportZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct{ name, body string }{
		{"good.xml", goodReportXML},
		{"broken.xml", brokenReportXML},
		{"console.txt", "plain runner output, not a report"},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// stubActionsAPI serves just enough provider API for one run with one
// artifact: token minting, artifact listing, and the zip download with its
// redirect hop to blob storage.
func stubActionsAPI(t *testing.T, owner, repo string, runID, artifactID int64, zipBytes []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_stub","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	mux.HandleFunc(fmt.Sprintf("GET /repos/%s/%s/actions/runs/%d/artifacts", owner, repo, runID), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"total_count":1,"artifacts":[{"id":%d,"name":"test-results","size_in_bytes":%d,"expired":false}]}`,
			artifactID, len(zipBytes))
	})
	mux.HandleFunc(fmt.Sprintf("GET /repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID), func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/archive.zip", http.StatusFound)
	})
	mux.HandleFunc("GET /blob/archive.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(zipBytes)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestIntegration_ArtifactPipelineMixedReports drives the full artifact
// flow against a stubbed provider: list, download through the redirect,
// extract, parse, persist, rescore. The broken XML inside the artifact is
// recorded as a failure while the good one lands.
func TestIntegration_ArtifactPipelineMixedReports(t *testing.T) {
	pool, cleanup := newTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	zipBytes := reportZip(t)
	srv := stubActionsAPI(t, "acme", "platform", 6001, 501, zipBytes)

	m := metrics.New()
	gh, err := github.NewClient(github.Options{
		BaseURL:       srv.URL,
		AppID:         99,
		PrivateKeyB64: appKeyB64(t),
		Metrics:       m,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		WarnThreshold:        0.3,
		QuarantineThreshold:  0.6,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		LookbackDays:         7,
		RollingWindow:        50,
	}

	repoService := repos.NewService(pool)
	runStore := ingest.NewService(pool)
	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Store:    runStore,
		GitHub:   gh,
		Clusters: cluster.NewService(pool),
		Flakes:   flake.NewService(pool),
		Policies: policy.NewService(pool, policy.Default(cfg)),
		Notifier: notify.New("", 5000),
		Metrics:  m,
	})

	installationID := int64(11)
	repo, err := repoService.Upsert(ctx, repos.UpsertParams{
		Provider:       "github",
		Owner:          "acme",
		Name:           "platform",
		InstallationID: &installationID,
	})
	require.NoError(t, err)

	run, err := runStore.UpsertRun(ctx, ingest.RunParams{
		RepoID:     repo.ID,
		ExternalID: 6001,
		Status:     "completed",
		RunAttempt: 1,
		HeadSHA:    "feedface",
		Branch:     "main",
		Event:      "push",
	})
	require.NoError(t, err)

	ref := ingest.RunRef{
		RepoID:         repo.ID,
		Owner:          "acme",
		Repo:           "platform",
		RunID:          run.ID,
		ExternalRunID:  6001,
		RunAttempt:     1,
		InstallationID: installationID,
	}

	res, err := pipeline.ProcessRun(ctx, ref, nil)
	require.NoError(t, err)

	require.Equal(t, 1, res.ArtifactsListed)
	require.Equal(t, 1, res.ArtifactsProcessed)
	require.Equal(t, 0, res.ArtifactsSkipped)
	require.Equal(t, 2, res.TestResults)
	require.Equal(t, 2, res.OccurrencesInserted)
	require.Equal(t, 0, res.Duplicates)
	require.Equal(t, 2, res.ScoresRecomputed)

	require.Len(t, res.Failures, 1)
	require.Equal(t, "test-results", res.Failures[0].Artifact)
	require.Equal(t, "broken.xml", res.Failures[0].File)
	require.Equal(t, string(apperrors.CodeParse), res.Failures[0].Code)

	stored, err := runStore.GetRunByExternalID(ctx, repo.ID, 6001)
	require.NoError(t, err)
	require.NotNil(t, stored.IngestedAt)

	var occurrences int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM occurrences`).Scan(&occurrences))
	require.Equal(t, 2, occurrences)

	var clusters, clusterHits int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(occurrence_count), 0)
		FROM failure_clusters WHERE repo_id = $1
	`, repo.ID).Scan(&clusters, &clusterHits))
	require.Equal(t, 1, clusters)
	require.Equal(t, 1, clusterHits)

	var scores int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM flake_scores`).Scan(&scores))
	require.Equal(t, 2, scores)

	// Replaying the run re-parses everything but inserts nothing new.
	res, err = pipeline.ProcessRun(ctx, ref, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.TestResults)
	require.Equal(t, 0, res.OccurrencesInserted)
	require.Equal(t, 2, res.Duplicates)
}

// TestIntegration_PollQueuesMissedCompletedRuns covers webhook-less
// discovery: the poller lists recent completed runs from the provider,
// records them and queues ingestion under the deterministic job id, so
// repeated cycles converge on one job. An armed rate-limit gate skips the
// cycle entirely.
func TestIntegration_PollQueuesMissedCompletedRuns(t *testing.T) {
	pool, cleanup := newTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_stub","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	mux.HandleFunc("GET /repos/acme/batch/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"total_count":1,"workflow_runs":[
			{"id":7001,"head_branch":"main","head_sha":"cafe01","run_attempt":1,
			 "event":"schedule","status":"completed","conclusion":"failure","created_at":%q}
		]}`, time.Now().Add(-10*time.Minute).UTC().Format(time.RFC3339))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh, err := github.NewClient(github.Options{
		BaseURL:       srv.URL,
		AppID:         99,
		PrivateKeyB64: appKeyB64(t),
		Metrics:       metrics.New(),
	})
	require.NoError(t, err)

	repoService := repos.NewService(pool)
	runStore := ingest.NewService(pool)
	ingestQ := queue.New(rdb, jobs.QueueIngest, time.Minute)

	procs := jobs.NewProcessors(jobs.ProcessorConfig{
		Repos:       repoService,
		Runs:        runStore,
		GitHub:      gh,
		IngestQueue: ingestQ,
	})

	installationID := int64(42)
	repo, err := repoService.Upsert(ctx, repos.UpsertParams{
		Provider:       "github",
		Owner:          "acme",
		Name:           "batch",
		InstallationID: &installationID,
	})
	require.NoError(t, err)

	out, err := procs.ProcessPollRuns(ctx, nil)
	require.NoError(t, err)
	summary, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, summary["repositories"])
	require.Equal(t, 1, summary["enqueued"])
	require.Equal(t, 0, summary["failed"])

	run, err := runStore.GetRunByExternalID(ctx, repo.ID, 7001)
	require.NoError(t, err)
	require.Equal(t, "completed", run.Status)
	require.Equal(t, "main", run.Branch)
	require.Nil(t, run.IngestedAt)

	stats, err := ingestQ.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Waiting)

	// A second cycle sees the same run and dedups on the job id.
	_, err = procs.ProcessPollRuns(ctx, nil)
	require.NoError(t, err)
	stats, err = ingestQ.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Waiting)

	// With the gate armed the cycle never reaches the provider.
	gh.Gate().Arm(time.Now().Add(time.Hour))
	out, err = procs.ProcessPollRuns(ctx, nil)
	require.NoError(t, err)
	summary, ok = out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "rate_limited", summary["outcome"])
}
