// Package taskqueue runs replication work off the request path. Tasks live in
// a table of the catalog database, so a restart resumes whatever was pending
// or mid-flight. A pool of workers claims due tasks, retries failures with
// exponential backoff and parks tasks that exhaust their attempts as dead
// letters for an operator to inspect or retry.
package taskqueue

import (
	"encoding/json"
	"time"
)

const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 4
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxRetries        = 5

	// maxBackoffExponent caps Backoff at 2^16 seconds, about 18 hours.
	maxBackoffExponent = 16
)

// TaskType routes a task to its Handler.
type TaskType string

// TaskStatus is where a task sits in its lifecycle:
// pending -> running -> completed, or running -> pending on a retryable
// failure, or running -> dead_letter once MaxRetries attempts have failed.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusCompleted  TaskStatus = "completed"
	StatusDeadLetter TaskStatus = "dead_letter"
)

// Task is one queued unit of replication work.
type Task struct {
	ID       string          `json:"id"`
	Type     TaskType        `json:"type"`
	Status   TaskStatus      `json:"status"`
	Payload  json.RawMessage `json:"payload"`
	DedupKey string          `json:"dedup_key,omitempty"`

	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitzero"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskFilter narrows List. Zero fields match everything.
type TaskFilter struct {
	Type   TaskType
	Status TaskStatus
	Limit  int
}

// QueueStats counts tasks per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
}

func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Backoff is the delay after the given number of failed attempts: 2s, 4s,
// 8s and so on.
func Backoff(attempts int) time.Duration {
	return time.Duration(1<<min(attempts, maxBackoffExponent)) * time.Second
}

// withDefaults fills the fields a caller may leave zero on Enqueue.
func (t *Task) withDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// recordFailure counts a failed attempt and moves the task to pending with a
// backoff, or to dead_letter when no attempts remain.
func (t *Task) recordFailure(cause error, now time.Time) {
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	t.WorkerID = ""
	t.UpdatedAt = now
	if t.Attempts < t.MaxRetries {
		t.Status = StatusPending
		t.RetryAfter = now.Add(Backoff(t.Attempts))
		return
	}
	t.Status = StatusDeadLetter
	t.CompletedAt = &now
}
