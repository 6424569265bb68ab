package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/metrics"
)

const backoffCap = 5 * time.Minute

// ProcessorFunc handles one job. The returned value is stored as the
// job's result.
type ProcessorFunc func(ctx context.Context, job *Job) (any, error)

// WorkerOptions tune a worker pool. Zero values get defaults.
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
	Metrics         *metrics.Metrics
}

// Worker polls one queue with a pool of goroutines and runs registered
// processors. A maintenance loop promotes due delayed jobs and reclaims
// stalled ones.
type Worker struct {
	queue      *Queue
	opts       WorkerOptions
	processors map[string]ProcessorFunc
	workerID   string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a worker pool for a queue. Register processors
// before calling Start.
func NewWorker(q *Queue, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = 30 * time.Second
	}
	return &Worker{
		queue:      q,
		opts:       opts,
		processors: make(map[string]ProcessorFunc),
		workerID:   ulid.Make().String(),
	}
}

// Register binds a processor to a job type.
func (w *Worker) Register(jobType string, fn ProcessorFunc) {
	w.processors[jobType] = fn
}

// Start launches the pollers and the maintenance loop.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.poll(runCtx)
	}
	w.wg.Add(1)
	go w.maintain(runCtx)

	log.Info().
		Str("queue", w.queue.name).
		Int("concurrency", w.opts.Concurrency).
		Msg("Queue worker started")
}

// Stop cancels polling and waits for in-flight jobs until the context
// expires.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("queue", w.queue.name).Msg("Queue worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) poll(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(w.opts.PollInterval)):
		}

		// Drain everything already waiting before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := w.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("queue", w.queue.name).Msg("Failed to claim job")
				}
				break
			}
			if job == nil {
				break
			}
			w.process(job)
		}
	}
}

// claim pops the next job in priority order into the active list.
func (w *Worker) claim(ctx context.Context) (*Job, error) {
	q := w.queue
	for _, p := range priorities {
		id, err := q.rdb.LMove(ctx, q.waitKey(p), q.activeKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job, err := q.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			// Hash expired under the id; drop the orphan entry.
			q.rdb.LRem(ctx, q.activeKey(), 1, id)
			continue
		}
		return job, nil
	}
	return nil, nil
}

// process runs one claimed job to completion or failure. Processing is
// detached from the polling context so shutdown drains instead of
// killing in-flight work.
func (w *Worker) process(job *Job) {
	q := w.queue
	ctx := context.Background()

	lockTTL := 2 * w.opts.StalledInterval
	acquired, err := q.rdb.SetNX(ctx, q.lockKey(job.ID), w.workerID, lockTTL).Result()
	if err != nil || !acquired {
		// Another holder (or a reaper race) owns this job.
		q.rdb.LRem(ctx, q.activeKey(), 1, job.ID)
		return
	}

	started := time.Now()
	q.rdb.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"state":      string(StateActive),
		"started_at": started.UnixMilli(),
	})
	job.State = StateActive
	job.StartedAt = &started

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	w.wg.Add(1)
	go w.heartbeat(hbCtx, job.ID, lockTTL)

	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	result, procErr := w.run(jobCtx, job)
	cancelJob()
	stopHeartbeat()

	if w.opts.Metrics != nil {
		w.opts.Metrics.JobDuration.WithLabelValues(q.name, job.Type).Observe(time.Since(started).Seconds())
	}

	if procErr != nil {
		w.fail(ctx, job, procErr)
	} else {
		w.complete(ctx, job, result)
	}
	q.rdb.Del(ctx, q.lockKey(job.ID))
}

// run dispatches to the registered processor, converting panics into
// job failures.
func (w *Worker) run(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().
				Str("queue", w.queue.name).
				Str("job_id", job.ID).
				Str("type", job.Type).
				Interface("panic", r).
				Msg("Processor panicked")
		}
	}()

	fn, ok := w.processors[job.Type]
	if !ok {
		return nil, fmt.Errorf("no processor registered for job type %q", job.Type)
	}
	return fn(ctx, job)
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, lockTTL time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.queue.rdb.PExpire(context.Background(), w.queue.lockKey(jobID), lockTTL)
		}
	}
}

func (w *Worker) complete(ctx context.Context, job *Job, result any) {
	q := w.queue
	finished := time.Now()

	fields := map[string]interface{}{
		"state":       string(StateCompleted),
		"finished_at": finished.UnixMilli(),
		"progress":    100,
	}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			fields["result"] = string(raw)
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), fields)
	pipe.LPush(ctx, q.completedKey(), job.ID)
	pipe.LTrim(ctx, q.completedKey(), 0, completedRetention-1)
	pipe.Expire(ctx, q.jobKey(job.ID), completedHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("queue", q.name).Str("job_id", job.ID).Msg("Failed to finalize completed job")
	}

	if w.opts.Metrics != nil {
		w.opts.Metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "completed").Inc()
	}
	log.Debug().Str("queue", q.name).Str("job_id", job.ID).Str("type", job.Type).Msg("Job completed")
}

func (w *Worker) fail(ctx context.Context, job *Job, procErr error) {
	q := w.queue
	made, err := q.rdb.HIncrBy(ctx, q.jobKey(job.ID), "attempts_made", 1).Result()
	if err != nil {
		made = int64(job.AttemptsMade + 1)
	}
	reason := procErr.Error()

	if int(made) < job.Attempts {
		delay := nextBackoff(time.Duration(job.BackoffMS)*time.Millisecond, int(made))
		readyAt := time.Now().Add(delay)

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
			"state":         string(StateDelayed),
			"failed_reason": reason,
			"ready_at":      readyAt.UnixMilli(),
		})
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Str("queue", q.name).Str("job_id", job.ID).Msg("Failed to schedule retry")
		}

		if w.opts.Metrics != nil {
			w.opts.Metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "retried").Inc()
		}
		log.Warn().
			Err(procErr).
			Str("queue", q.name).
			Str("job_id", job.ID).
			Str("type", job.Type).
			Int64("attempt", made).
			Dur("backoff", delay).
			Msg("Job failed, retrying")
		return
	}

	finished := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"state":         string(StateFailed),
		"failed_reason": reason,
		"finished_at":   finished.UnixMilli(),
	})
	pipe.LPush(ctx, q.failedKey(), job.ID)
	pipe.LTrim(ctx, q.failedKey(), 0, failedRetention-1)
	pipe.Expire(ctx, q.jobKey(job.ID), failedHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("queue", q.name).Str("job_id", job.ID).Msg("Failed to finalize failed job")
	}

	if w.opts.Metrics != nil {
		w.opts.Metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "failed").Inc()
	}
	log.Error().
		Err(procErr).
		Str("queue", q.name).
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int64("attempts_made", made).
		Msg("Job failed permanently")
}

func (w *Worker) maintain(ctx context.Context) {
	defer w.wg.Done()
	promote := time.NewTicker(w.opts.PollInterval)
	reap := time.NewTicker(w.opts.StalledInterval)
	defer promote.Stop()
	defer reap.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			w.promoteDelayed(ctx)
		case <-reap.C:
			w.reapStalled(ctx)
			w.updateDepthGauges(ctx)
		}
	}
}

// promoteDelayed moves due delayed jobs onto their wait lists. ZRem
// arbitrates between concurrent promoters.
func (w *Worker) promoteDelayed(ctx context.Context) {
	q := w.queue
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("queue", q.name).Msg("Failed to scan delayed jobs")
		}
		return
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.Job(ctx, id)
		if err != nil || job == nil {
			continue
		}
		q.rdb.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		q.rdb.LPush(ctx, q.waitKey(job.Priority), id)
	}
}

// reapStalled requeues active jobs whose processing lock expired.
func (w *Worker) reapStalled(ctx context.Context) {
	q := w.queue
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("queue", q.name).Msg("Failed to scan active jobs")
		}
		return
	}

	for _, id := range ids {
		locked, err := q.rdb.Exists(ctx, q.lockKey(id)).Result()
		if err != nil || locked > 0 {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.activeKey(), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.Job(ctx, id)
		if err != nil || job == nil {
			continue
		}

		if w.opts.Metrics != nil {
			w.opts.Metrics.StalledJobs.WithLabelValues(q.name).Inc()
		}

		made, err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts_made", 1).Result()
		if err != nil {
			made = int64(job.AttemptsMade + 1)
		}
		if int(made) < job.Attempts {
			q.rdb.HSet(ctx, q.jobKey(id), map[string]interface{}{
				"state":         string(StateWaiting),
				"failed_reason": "stalled",
			})
			q.rdb.LPush(ctx, q.waitKey(job.Priority), id)
			log.Warn().Str("queue", q.name).Str("job_id", id).Msg("Requeued stalled job")
		} else {
			finished := time.Now()
			pipe := q.rdb.TxPipeline()
			pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
				"state":         string(StateFailed),
				"failed_reason": "stalled",
				"finished_at":   finished.UnixMilli(),
			})
			pipe.LPush(ctx, q.failedKey(), id)
			pipe.LTrim(ctx, q.failedKey(), 0, failedRetention-1)
			pipe.Expire(ctx, q.jobKey(id), failedHashTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				log.Error().Err(err).Str("queue", q.name).Str("job_id", id).Msg("Failed to fail stalled job")
			}
			log.Error().Str("queue", q.name).Str("job_id", id).Msg("Stalled job exhausted attempts")
		}
	}
}

func (w *Worker) updateDepthGauges(ctx context.Context) {
	if w.opts.Metrics == nil {
		return
	}
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	depth := w.opts.Metrics.QueueDepth
	depth.WithLabelValues(w.queue.name, "waiting").Set(float64(stats.Waiting))
	depth.WithLabelValues(w.queue.name, "delayed").Set(float64(stats.Delayed))
	depth.WithLabelValues(w.queue.name, "active").Set(float64(stats.Active))
	depth.WithLabelValues(w.queue.name, "completed").Set(float64(stats.Completed))
	depth.WithLabelValues(w.queue.name, "failed").Set(float64(stats.Failed))
}

// nextBackoff returns the delay before retry n (1-based): exponential
// with factor 2, 10% jitter, capped at five minutes.
func nextBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := 1 + (rand.Float64()*2-1)*0.1
	return time.Duration(d * jitter)
}

func jittered(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)/4+1))
}
