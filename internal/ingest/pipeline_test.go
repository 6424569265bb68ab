package ingest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/junit"
)

func TestRecordFromResult_Failure(t *testing.T) {
	rec := recordFromResult(junit.TestResult{
		Suite:      "api",
		ClassName:  "TestLogin",
		Name:       "expired_session",
		File:       "auth_test.go",
		Status:     junit.StatusFailed,
		DurationMS: 42,
		Message:    "expected 200 but got 503",
		Detail:     "stack:\n\tserver_test.go:88\n\tserver_test.go:12",
		Attempt:    2,
	})

	require.Equal(t, "api", rec.Suite)
	require.Equal(t, 2, rec.Attempt)
	require.NotNil(t, rec.File)
	require.NotNil(t, rec.DurationMS)
	require.Equal(t, 42, *rec.DurationMS)
	require.NotNil(t, rec.FailureMessage)
	require.Equal(t, "expected 200 but got 503", *rec.FailureMessage)
	require.NotNil(t, rec.Signature)
	require.NotEmpty(t, *rec.Signature)
	require.NotNil(t, rec.StackDigest)
	require.Equal(t, "api/TestLogin/expired_session", rec.Label())
}

func TestRecordFromResult_Passed(t *testing.T) {
	rec := recordFromResult(junit.TestResult{
		Suite:   "api",
		Name:    "ok",
		Status:  junit.StatusPassed,
		Attempt: 1,
	})

	require.Nil(t, rec.FailureMessage)
	require.Nil(t, rec.Signature)
	require.Nil(t, rec.StackDigest)
	require.Equal(t, "api/ok", rec.Label())
}

func TestRecordFromResult_MessageFallsBackToDetail(t *testing.T) {
	rec := recordFromResult(junit.TestResult{
		Suite:   "api",
		Name:    "boom",
		Status:  junit.StatusError,
		Detail:  "panic: runtime error",
		Attempt: 1,
	})

	require.NotNil(t, rec.FailureMessage)
	require.Equal(t, "panic: runtime error", *rec.FailureMessage)
	require.NotNil(t, rec.Signature)
}

func TestClusterUpdates_GroupsBySignature(t *testing.T) {
	sig := "abc123"
	other := "def456"
	msg := "connection refused"
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	now := time.Now()

	records := []OccurrenceRecord{
		{Status: junit.StatusFailed, Signature: &sig, FailureMessage: &msg},
		{Status: junit.StatusFailed, Signature: &sig, FailureMessage: &msg},
		{Status: junit.StatusError, Signature: &other, FailureMessage: &msg},
		{Status: junit.StatusPassed},
	}

	updates := clusterUpdates(records, ids, now)
	require.Len(t, updates, 2)

	require.Equal(t, sig, updates[0].Signature)
	require.Equal(t, 2, updates[0].Count)
	require.Len(t, updates[0].TestIDs, 2)
	require.Equal(t, "network", updates[0].Category)
	require.Equal(t, now, updates[0].LastSeenAt)

	require.Equal(t, other, updates[1].Signature)
	require.Equal(t, 1, updates[1].Count)
}

func TestClusterUpdates_DedupesTestIDs(t *testing.T) {
	sig := "abc123"
	msg := "timeout waiting for lock"
	id := uuid.New()

	records := []OccurrenceRecord{
		{Status: junit.StatusFailed, Signature: &sig, FailureMessage: &msg, Attempt: 1},
		{Status: junit.StatusFailed, Signature: &sig, FailureMessage: &msg, Attempt: 2},
	}

	updates := clusterUpdates(records, []uuid.UUID{id, id}, time.Now())
	require.Len(t, updates, 1)
	require.Equal(t, 2, updates[0].Count)
	require.Len(t, updates[0].TestIDs, 1)
}

func TestDownloadBackoff_GrowsAndCaps(t *testing.T) {
	for i := 1; i <= 10; i++ {
		d := downloadBackoff(i)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, downloadBackoffCap+downloadBackoffCap/5)
	}
	require.Less(t, downloadBackoff(1), downloadBackoff(4))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, 3, o.Parallelism)
	require.Equal(t, 3, o.DownloadRetries)
	require.Equal(t, int64(100), o.MinArtifactBytes)
	require.Equal(t, int64(100<<20), o.MaxArtifactBytes)
}
