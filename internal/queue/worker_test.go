package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/metrics"
)

func newTestWorker(t *testing.T, q *Queue) *Worker {
	t.Helper()
	return NewWorker(q, WorkerOptions{Concurrency: 1, Metrics: metrics.New()})
}

func TestWorker_ProcessCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	w.Register("webhook-event", func(ctx context.Context, job *Job) (any, error) {
		return map[string]int{"persisted": 1}, nil
	})

	queued, err := q.Enqueue(ctx, "webhook-event", testPayload{DeliveryID: "d-1"}, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, queued.ID, claimed.ID)
	w.process(claimed)

	done, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.FinishedAt)

	var result map[string]int
	require.NoError(t, json.Unmarshal(done.Result, &result))
	require.Equal(t, 1, result["persisted"])

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Active)
	require.Equal(t, int64(1), stats.Completed)
}

func TestWorker_PriorityDrainOrder(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "maintenance", nil, EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	critical, err := q.Enqueue(ctx, "webhook-event", nil, EnqueueOptions{Priority: PriorityCritical})
	require.NoError(t, err)

	first, err := w.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, critical.ID, first.ID)

	second, err := w.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, low.ID, second.ID)

	third, err := w.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestWorker_RetrySchedulesBackoff(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	w.Register("artifact-process", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("download failed")
	})

	queued, err := q.Enqueue(ctx, "artifact-process", nil, EnqueueOptions{Attempts: 3, Backoff: 100 * time.Millisecond})
	require.NoError(t, err)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	w.process(claimed)

	retried, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, retried.State)
	require.Equal(t, 1, retried.AttemptsMade)
	require.Equal(t, "download failed", retried.FailedReason)

	// First retry lands one jittered backoff ahead (100ms +/- 10%).
	score, err := q.rdb.ZScore(ctx, q.delayedKey(), queued.ID).Result()
	require.NoError(t, err)
	delta := time.Until(time.UnixMilli(int64(score)))
	require.Greater(t, delta, 50*time.Millisecond)
	require.Less(t, delta, 200*time.Millisecond)
}

func TestWorker_FailsAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	w.Register("artifact-process", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("boom")
	})

	queued, err := q.Enqueue(ctx, "artifact-process", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	w.process(claimed)

	failed, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.Equal(t, "boom", failed.FailedReason)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
	require.Zero(t, stats.Delayed)
}

func TestWorker_RecoversPanic(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	w.Register("webhook-event", func(ctx context.Context, job *Job) (any, error) {
		panic("nil payload")
	})

	queued, err := q.Enqueue(ctx, "webhook-event", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	w.process(claimed)

	failed, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.Contains(t, failed.FailedReason, "panic")
}

func TestWorker_UnknownTypeFails(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, "mystery", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	w.process(claimed)

	failed, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.Contains(t, failed.FailedReason, "no processor registered")
}

func TestWorker_PromoteDelayed(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, "poll-runs", nil, EnqueueOptions{Delay: 5 * time.Millisecond, Priority: PriorityHigh})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	w.promoteDelayed(ctx)

	promoted, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, promoted.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Waiting)
	require.Zero(t, stats.Delayed)

	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)
}

func TestWorker_ReapRequeuesStalledJob(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, "webhook-event", nil, EnqueueOptions{})
	require.NoError(t, err)

	// Claimed but never processed: the holder died before locking in.
	claimed, err := w.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w.reapStalled(ctx)

	requeued, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, requeued.State)
	require.Equal(t, 1, requeued.AttemptsMade)
	require.Equal(t, "stalled", requeued.FailedReason)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Active)
	require.Equal(t, int64(1), stats.Waiting)
}

func TestWorker_ReapFailsExhaustedJob(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, "webhook-event", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	_, err = w.claim(ctx)
	require.NoError(t, err)

	w.reapStalled(ctx)

	failed, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
}

func TestWorker_CompletedRetentionTrim(t *testing.T) {
	q := newTestQueue(t)
	w := newTestWorker(t, q)
	ctx := context.Background()

	w.Register("noop", func(ctx context.Context, job *Job) (any, error) {
		return nil, nil
	})

	for i := 0; i < completedRetention+5; i++ {
		_, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{})
		require.NoError(t, err)
		claimed, err := w.claim(ctx)
		require.NoError(t, err)
		w.process(claimed)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(completedRetention), stats.Completed)
}

func TestWorker_StartStopDrainsInFlight(t *testing.T) {
	q := newTestQueue(t)
	w := NewWorker(q, WorkerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond, Metrics: metrics.New()})
	ctx := context.Background()

	w.Register("slow", func(ctx context.Context, job *Job) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return "done", nil
	})

	queued, err := q.Enqueue(ctx, "slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	w.Start(ctx)

	require.Eventually(t, func() bool {
		job, err := q.Job(ctx, queued.ID)
		return err == nil && job != nil && job.State == StateActive
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	done, err := q.Job(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
}

func TestNextBackoff(t *testing.T) {
	for i := 0; i < 50; i++ {
		first := nextBackoff(time.Second, 1)
		require.GreaterOrEqual(t, first, 900*time.Millisecond)
		require.LessOrEqual(t, first, 1100*time.Millisecond)

		third := nextBackoff(time.Second, 3)
		require.GreaterOrEqual(t, third, 3600*time.Millisecond)
		require.LessOrEqual(t, third, 4400*time.Millisecond)

		capped := nextBackoff(time.Second, 20)
		require.LessOrEqual(t, capped, time.Duration(float64(backoffCap)*1.1))
	}
}
