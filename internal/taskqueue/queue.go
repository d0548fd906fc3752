package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicate means a pending or running task already holds the dedup key.
	ErrDuplicate = errors.New("task with the same dedup key is already queued")
	// ErrNotDeadLetter is returned by Retry for a task that has not exhausted
	// its attempts.
	ErrNotDeadLetter = errors.New("task is not in the dead letter state")
)

// Queue is the part of the task store the dispatcher and the worker pool
// need. SQLiteQueue is the only production implementation.
type Queue interface {
	// Enqueue stores task as pending and assigns its ID.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue claims the oldest due task of one of taskTypes (any type when
	// empty) for workerID, or returns nil when nothing is due. A running task
	// whose claim has not been renewed within the visibility timeout is due
	// again.
	Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error)

	Complete(ctx context.Context, taskID string) error

	// Fail counts an attempt against the task and reports where it went:
	// back to pending after a backoff, or to the dead letter state.
	Fail(ctx context.Context, taskID string, err error) (TaskStatus, error)

	// Heartbeat renews workerID's claim on a running task.
	Heartbeat(ctx context.Context, taskID string, workerID string) error

	Stats(ctx context.Context) (*QueueStats, error)

	// Cleanup deletes completed tasks that finished more than olderThan ago.
	// Dead letters are kept until retried.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Handler runs the tasks of one type.
type Handler interface {
	Type() TaskType
	Handle(ctx context.Context, task *Task) error
}
