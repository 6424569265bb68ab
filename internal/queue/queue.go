package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix = "fg"

	defaultAttempts = 3
	defaultBackoff  = 5 * time.Second
	dedupTTL        = 24 * time.Hour

	completedRetention = 100
	failedRetention    = 50
	completedHashTTL   = 24 * time.Hour
	failedHashTTL      = 7 * 24 * time.Hour
)

// NewClient connects a Redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Queue is one named job queue.
type Queue struct {
	rdb            *redis.Client
	name           string
	defaultTimeout time.Duration
}

// New creates a queue handle. defaultTimeout bounds job processing when
// enqueue options do not override it.
func New(rdb *redis.Client, name string, defaultTimeout time.Duration) *Queue {
	return &Queue{rdb: rdb, name: name, defaultTimeout: defaultTimeout}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(parts ...string) string {
	k := keyPrefix + ":" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) waitKey(p Priority) string { return q.key("wait", string(p)) }
func (q *Queue) activeKey() string         { return q.key("active") }
func (q *Queue) delayedKey() string        { return q.key("delayed") }
func (q *Queue) completedKey() string      { return q.key("completed") }
func (q *Queue) failedKey() string         { return q.key("failed") }
func (q *Queue) jobKey(id string) string   { return q.key("job", id) }
func (q *Queue) dedupKey(id string) string { return q.key("dedup", id) }
func (q *Queue) lockKey(id string) string  { return q.key("lock", id) }

// Enqueue queues a job. With an explicit JobID a second enqueue within
// the dedup window is suppressed and the existing job is returned.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.defaultTimeout
	}
	if !opts.Priority.valid() {
		opts.Priority = PriorityNormal
	}

	id := opts.JobID
	if id == "" {
		id = ulid.Make().String()
	} else {
		reserved, err := q.rdb.SetNX(ctx, q.dedupKey(id), "1", dedupTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve job id: %w", err)
		}
		if !reserved {
			existing, err := q.Job(ctx, id)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				log.Debug().Str("queue", q.name).Str("job_id", id).Msg("Duplicate job suppressed")
				return existing, nil
			}
			// Dedup key outlived its job hash; enqueue fresh.
		}
	}

	now := time.Now()
	job := &Job{
		ID:        id,
		Queue:     q.name,
		Type:      jobType,
		Payload:   raw,
		Priority:  opts.Priority,
		Attempts:  opts.Attempts,
		BackoffMS: opts.Backoff.Milliseconds(),
		TimeoutMS: opts.Timeout.Milliseconds(),
		CreatedAt: now,
		ReadyAt:   now.Add(opts.Delay),
	}

	pipe := q.rdb.TxPipeline()
	if opts.Delay > 0 {
		job.State = StateDelayed
		pipe.HSet(ctx, q.jobKey(id), job.hash())
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: id})
	} else {
		job.State = StateWaiting
		pipe.HSet(ctx, q.jobKey(id), job.hash())
		pipe.LPush(ctx, q.waitKey(job.Priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Debug().
		Str("queue", q.name).
		Str("job_id", id).
		Str("type", jobType).
		Str("priority", string(job.Priority)).
		Dur("delay", opts.Delay).
		Msg("Enqueued job")

	return job, nil
}

// Job loads a job by ID, or nil when unknown.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(q.name, h), nil
}

// SetProgress records a 0-100 progress marker on a job.
func (q *Queue) SetProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", pct).Err()
}

// Stats returns the queue's per-state depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waits := make([]*redis.IntCmd, len(priorities))
	for i, p := range priorities {
		waits[i] = pipe.LLen(ctx, q.waitKey(p))
	}
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}

	s := Stats{
		Queue:     q.name,
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	for _, w := range waits {
		s.Waiting += w.Val()
	}
	return s, nil
}

// RecentJobs returns up to limit jobs in the given state. Completed and
// failed lists are newest first.
func (q *Queue) RecentJobs(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}

	var ids []string
	var err error
	switch state {
	case StateActive:
		ids, err = q.rdb.LRange(ctx, q.activeKey(), 0, int64(limit-1)).Result()
	case StateCompleted:
		ids, err = q.rdb.LRange(ctx, q.completedKey(), 0, int64(limit-1)).Result()
	case StateFailed:
		ids, err = q.rdb.LRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	case StateDelayed:
		ids, err = q.rdb.ZRange(ctx, q.delayedKey(), 0, int64(limit-1)).Result()
	case StateWaiting:
		for _, p := range priorities {
			if len(ids) >= limit {
				break
			}
			var chunk []string
			chunk, err = q.rdb.LRange(ctx, q.waitKey(p), 0, int64(limit-len(ids)-1)).Result()
			if err != nil {
				break
			}
			ids = append(ids, chunk...)
		}
	default:
		return nil, fmt.Errorf("unknown job state: %s", state)
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (j *Job) hash() map[string]interface{} {
	h := map[string]interface{}{
		"id":            j.ID,
		"type":          j.Type,
		"payload":       string(j.Payload),
		"state":         string(j.State),
		"priority":      string(j.Priority),
		"attempts":      j.Attempts,
		"attempts_made": j.AttemptsMade,
		"backoff_ms":    j.BackoffMS,
		"timeout_ms":    j.TimeoutMS,
		"progress":      j.Progress,
		"created_at":    j.CreatedAt.UnixMilli(),
		"ready_at":      j.ReadyAt.UnixMilli(),
	}
	if j.FailedReason != "" {
		h["failed_reason"] = j.FailedReason
	}
	if len(j.Result) > 0 {
		h["result"] = string(j.Result)
	}
	if j.StartedAt != nil {
		h["started_at"] = j.StartedAt.UnixMilli()
	}
	if j.FinishedAt != nil {
		h["finished_at"] = j.FinishedAt.UnixMilli()
	}
	return h
}

func jobFromHash(queueName string, h map[string]string) *Job {
	job := &Job{
		ID:           h["id"],
		Queue:        queueName,
		Type:         h["type"],
		State:        State(h["state"]),
		Priority:     Priority(h["priority"]),
		Attempts:     atoiOr(h["attempts"], defaultAttempts),
		AttemptsMade: atoiOr(h["attempts_made"], 0),
		BackoffMS:    atoi64Or(h["backoff_ms"], defaultBackoff.Milliseconds()),
		TimeoutMS:    atoi64Or(h["timeout_ms"], 0),
		Progress:     atoiOr(h["progress"], 0),
		FailedReason: h["failed_reason"],
		CreatedAt:    timeFromMillis(h["created_at"]),
		ReadyAt:      timeFromMillis(h["ready_at"]),
	}
	if raw := h["payload"]; raw != "" {
		job.Payload = json.RawMessage(raw)
	}
	if raw := h["result"]; raw != "" {
		job.Result = json.RawMessage(raw)
	}
	if raw := h["started_at"]; raw != "" {
		t := timeFromMillis(raw)
		job.StartedAt = &t
	}
	if raw := h["finished_at"]; raw != "" {
		t := timeFromMillis(raw)
		job.FinishedAt = &t
	}
	if !job.Priority.valid() {
		job.Priority = PriorityNormal
	}
	return job
}

func atoiOr(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}

func atoi64Or(s string, fallback int64) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	return fallback
}

func timeFromMillis(s string) time.Time {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
		return time.UnixMilli(v)
	}
	return time.Time{}
}
