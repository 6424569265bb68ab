// Package queue is a Redis-backed job queue with per-priority wait
// lists, delayed scheduling, dedup by job ID, retries with backoff, and
// stalled-job recovery.
package queue

import (
	"encoding/json"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Priority orders jobs across the wait lists. Drain order is critical
// first, low last.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorities in drain order.
var priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	Priority     Priority        `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	BackoffMS    int64           `json:"backoff_ms"`
	TimeoutMS    int64           `json:"timeout_ms"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ReadyAt      time.Time       `json:"ready_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// EnqueueOptions tune a single Enqueue call. The zero value queues a
// normal-priority job with default retry behavior.
type EnqueueOptions struct {
	// JobID makes the enqueue idempotent: a second enqueue with the same
	// ID within the dedup window returns the existing job.
	JobID    string
	Priority Priority
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// Stats are the per-state depths of one queue.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// JobView is the tasks-endpoint projection of a job, without payload or
// result bodies.
type JobView struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Type         string     `json:"type"`
	State        State      `json:"state"`
	Priority     Priority   `json:"priority"`
	Attempts     int        `json:"attempts"`
	AttemptsMade int        `json:"attempts_made"`
	Progress     int        `json:"progress"`
	FailedReason string     `json:"failed_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// View projects a job for listing.
func (j *Job) View() JobView {
	return JobView{
		ID:           j.ID,
		Queue:        j.Queue,
		Type:         j.Type,
		State:        j.State,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		AttemptsMade: j.AttemptsMade,
		Progress:     j.Progress,
		FailedReason: j.FailedReason,
		CreatedAt:    j.CreatedAt,
		FinishedAt:   j.FinishedAt,
	}
}
