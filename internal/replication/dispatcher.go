// Package replication mirrors objects of backed-up buckets into their backup
// bucket. Work is queued as durable tasks and executed off the request path
// by a taskqueue worker pool.
package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/taskqueue"
)

// Task types handled by this package.
const (
	TaskReplicateObject taskqueue.TaskType = "replicate_object"
	TaskReplicateDelete taskqueue.TaskType = "replicate_delete"
)

// ObjectPayload identifies a source object to copy.
type ObjectPayload struct {
	BucketID int64 `json:"bucket_id"`
	ObjectID int64 `json:"object_id"`
}

// DeletePayload identifies a key removed from a source bucket.
type DeletePayload struct {
	BucketID int64  `json:"bucket_id"`
	Key      string `json:"key"`
}

// Dispatcher enqueues replication tasks. Its methods never fail the caller:
// enqueue errors are logged and left to the reconciler.
type Dispatcher struct {
	queue      taskqueue.Queue
	maxRetries int
}

// NewDispatcher creates a Dispatcher. maxRetries <= 0 uses the queue default.
func NewDispatcher(q taskqueue.Queue, maxRetries int) *Dispatcher {
	return &Dispatcher{queue: q, maxRetries: maxRetries}
}

// Replicate schedules a copy of obj into the backup of bucket. Buckets
// without backup, and backup buckets themselves, are ignored.
func (d *Dispatcher) Replicate(ctx context.Context, bucket *catalog.BucketRecord, obj *catalog.ObjectRecord) {
	if !bucket.Backup || bucket.IsBackup() {
		return
	}
	if err := d.enqueueObject(ctx, bucket.ID, obj.ID); err != nil && !errors.Is(err, taskqueue.ErrDuplicate) {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("bucket", bucket.Name).
			Str("key", obj.Key).
			Msg("Failed to enqueue replication")
	}
}

// ReplicateDelete schedules removal of key from the backup of bucket.
func (d *Dispatcher) ReplicateDelete(ctx context.Context, bucket *catalog.BucketRecord, key string) {
	if !bucket.Backup || bucket.IsBackup() {
		return
	}
	if err := d.enqueueDelete(ctx, bucket.ID, key); err != nil && !errors.Is(err, taskqueue.ErrDuplicate) {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("bucket", bucket.Name).
			Str("key", key).
			Msg("Failed to enqueue replicated delete")
	}
}

func (d *Dispatcher) enqueueObject(ctx context.Context, bucketID, objectID int64) error {
	payload, err := taskqueue.MarshalPayload(ObjectPayload{BucketID: bucketID, ObjectID: objectID})
	if err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, &taskqueue.Task{
		Type:       TaskReplicateObject,
		Payload:    payload,
		DedupKey:   fmt.Sprintf("%s:%d:%d", TaskReplicateObject, bucketID, objectID),
		MaxRetries: d.maxRetries,
	})
}

func (d *Dispatcher) enqueueDelete(ctx context.Context, bucketID int64, key string) error {
	payload, err := taskqueue.MarshalPayload(DeletePayload{BucketID: bucketID, Key: key})
	if err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, &taskqueue.Task{
		Type:       TaskReplicateDelete,
		Payload:    payload,
		DedupKey:   fmt.Sprintf("%s:%d:%s", TaskReplicateDelete, bucketID, key),
		MaxRetries: d.maxRetries,
	})
}
