package github

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/metrics"
)

func testKeyB64(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return base64.StdEncoding.EncodeToString(pemBytes)
}

func mintHandler(mints *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := mints.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_%d","expires_at":%q}`, n, time.Now().Add(time.Hour).Format(time.RFC3339))
	}
}

func newTestClient(t *testing.T, mux *http.ServeMux, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.AppID == 0 {
		opts.AppID = 1234
	}
	if opts.PrivateKeyB64 == "" {
		opts.PrivateKeyB64 = testKeyB64(t)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	client, err := NewClient(opts)
	require.NoError(t, err)
	client.backoff = time.Millisecond
	return client
}

func TestParsePrivateKey(t *testing.T) {
	_, err := ParsePrivateKey("not-base64!!!")
	require.Error(t, err)

	_, err = ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("hello")))
	require.Error(t, err)

	_, err = ParsePrivateKey(testKeyB64(t))
	require.NoError(t, err)
}

func TestInstallationTokenReused(t *testing.T) {
	var mints, hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "Bearer ghs_1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":1,"status":"completed","conclusion":"success"}`)
	})

	client := newTestClient(t, mux, Options{})

	for i := 0; i < 2; i++ {
		run, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
		require.NoError(t, err)
		require.Equal(t, int64(1), run.ID)
	}
	require.Equal(t, int32(1), mints.Load())
	require.Equal(t, int32(2), hits.Load())
}

func TestUnauthorizedEvictsToken(t *testing.T) {
	var mints, hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer ghs_2", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":1}`)
	})

	client := newTestClient(t, mux, Options{})

	run, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), run.ID)
	require.Equal(t, int32(2), mints.Load(), "401 should evict the cached token and mint a fresh one")
}

func TestQuotaReserveFailsFast(t *testing.T) {
	var mints, hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "5")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
		fmt.Fprint(w, `{"id":1}`)
	})

	gate := NewGate()
	client := newTestClient(t, mux, Options{Gate: gate})

	_, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.NoError(t, err)

	// Remaining quota is now below the reserve: the next call must fail
	// before reaching the network and arm the shared gate.
	_, err = client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeRateLimited, apperrors.CodeOf(err))
	require.Equal(t, int32(1), hits.Load())

	_, blocked := gate.Blocked(time.Now())
	require.True(t, blocked)
}

func TestSecondaryLimitArmsGate(t *testing.T) {
	var mints atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
	})

	gate := NewGate()
	client := newTestClient(t, mux, Options{Gate: gate})

	_, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeRateLimited, apperrors.CodeOf(err))

	until, blocked := gate.Blocked(time.Now())
	require.True(t, blocked)
	require.InDelta(t, 30, time.Until(until).Seconds(), 2)
}

func TestRetriesServerErrors(t *testing.T) {
	var mints, hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":1,"run_attempt":2}`)
	})

	client := newTestClient(t, mux, Options{})

	run, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.NoError(t, err)
	require.Equal(t, 2, run.RunAttempt)
	require.Equal(t, int32(3), hits.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var mints, hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := newTestClient(t, mux, Options{BreakerThreshold: 2, BreakerOpenTimeout: time.Minute})

	_, err := client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeCircuitOpen, apperrors.CodeOf(err))
	require.Equal(t, int32(2), hits.Load())

	// With the breaker open, calls short-circuit without a request.
	_, err = client.GetWorkflowRun(context.Background(), 77, "acme", "widget", 1)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeCircuitOpen, apperrors.CodeOf(err))
	require.Equal(t, int32(2), hits.Load())
}

func TestListJobsForRunPaginates(t *testing.T) {
	var mints atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/runs/1/jobs", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			fmt.Fprint(w, `{"jobs":[`)
			for i := 0; i < perPage; i++ {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"id":%d,"name":"job-%d"}`, i+1, i+1)
			}
			fmt.Fprint(w, `]}`)
			return
		}
		fmt.Fprint(w, `{"jobs":[{"id":101,"name":"job-101"}]}`)
	})

	client := newTestClient(t, mux, Options{})

	jobs, err := client.ListJobsForRun(context.Background(), 77, "acme", "widget", 1)
	require.NoError(t, err)
	require.Len(t, jobs, perPage+1)
	require.Equal(t, "job-101", jobs[perPage].Name)
}

func TestDownloadArtifactStreamsRedirect(t *testing.T) {
	payload := []byte("PK\x03\x04 pretend this is a zip")
	var mints atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/9", http.StatusFound)
	})
	mux.HandleFunc("GET /blob/9", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	client := newTestClient(t, mux, Options{})
	destDir := t.TempDir()

	path, size, err := client.DownloadArtifact(context.Background(), 77, "acme", "widget", 9, destDir, 1<<20)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)
	require.Equal(t, destDir, filepath.Dir(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadArtifactTooLarge(t *testing.T) {
	var mints atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	})

	client := newTestClient(t, mux, Options{})
	destDir := t.TempDir()

	_, _, err := client.DownloadArtifact(context.Background(), 77, "acme", "widget", 9, destDir, 10)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeArtifactTooLarge, apperrors.CodeOf(err))

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Empty(t, entries, "oversized download should be removed")
}

func TestDownloadArtifactExpired(t *testing.T) {
	var mints atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/77/access_tokens", mintHandler(&mints))
	mux.HandleFunc("GET /repos/acme/widget/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	client := newTestClient(t, mux, Options{})

	_, _, err := client.DownloadArtifact(context.Background(), 77, "acme", "widget", 9, t.TempDir(), 1<<20)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeArtifactExpired, apperrors.CodeOf(err))
}

func TestGateArmKeepsLatestDeadline(t *testing.T) {
	gate := NewGate()
	now := time.Now()

	gate.Arm(now.Add(time.Minute))
	gate.Arm(now.Add(30 * time.Second)) // earlier deadline must not shorten the block

	until, blocked := gate.Blocked(now)
	require.True(t, blocked)
	require.Equal(t, now.Add(time.Minute), until)

	_, blocked = gate.Blocked(now.Add(2 * time.Minute))
	require.False(t, blocked)
}
