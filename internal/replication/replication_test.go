package replication

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/taskqueue"
)

type fixture struct {
	store      *catalog.SQLiteStore
	primary    *storage.MemoryBackend
	secondary  *storage.MemoryBackend
	regions    *storage.Registry
	queue      *taskqueue.SQLiteQueue
	dispatcher *Dispatcher
	handlers   map[taskqueue.TaskType]taskqueue.Handler

	src    *catalog.BucketRecord
	backup *catalog.BucketRecord
}

func newFixture(t *testing.T, versioned bool) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := catalog.NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue, err := taskqueue.NewSQLiteQueue(store.DB(), time.Minute)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		primary:   storage.NewMemoryBackend(),
		secondary: storage.NewMemoryBackend(),
		regions:   storage.NewRegistry(),
		queue:     queue,
	}
	f.regions.Add(storage.Region{ID: "primary", Type: "memory", Enabled: true}, f.primary)
	f.regions.Add(storage.Region{ID: "backup", Type: "memory", Enabled: true}, f.secondary)
	f.dispatcher = NewDispatcher(f.queue, 2)

	// Small windows exercise multi-part copies.
	opts := Options{ChunkSize: 64, Window: 48, Limiter: NewLimiter(1000, 100)}
	f.handlers = map[taskqueue.TaskType]taskqueue.Handler{
		TaskReplicateObject: NewObjectHandler(store, f.regions, opts),
		TaskReplicateDelete: NewDeleteHandler(store, f.regions, opts),
	}

	f.src = &catalog.BucketRecord{Name: "photos", Owner: "u1", Region: "primary",
		Permission: catalog.PermPrivate, Backup: true, VersionControl: versioned}
	require.NoError(t, store.CreateBucket(ctx, f.src))
	require.NoError(t, f.primary.CreateBucket(ctx, f.src.Name))

	f.backup = &catalog.BucketRecord{Name: "photos-abcd1234-backup", Owner: "u1", Region: "backup",
		Permission: catalog.PermPrivate, ReadOnly: true, PID: f.src.ID, VersionControl: versioned}
	require.NoError(t, store.CreateBucket(ctx, f.backup))
	require.NoError(t, f.secondary.CreateBucket(ctx, f.backup.Name))
	if versioned {
		require.NoError(t, f.secondary.EnableVersioning(ctx, f.backup.Name))
	}
	return f
}

func (f *fixture) putObject(t *testing.T, key string, data []byte) *catalog.ObjectRecord {
	t.Helper()
	ctx := context.Background()
	res, err := storage.UploadChunked(ctx, f.primary, f.src.Name, key, "", bytes.NewReader(data), 64)
	require.NoError(t, err)
	o := &catalog.ObjectRecord{BucketID: f.src.ID, Type: catalog.TypeFile, Name: key, Key: key,
		FileSize: res.Size, MD5: res.MD5, ETag: res.ETag, Permission: catalog.PermPrivate, Owner: "u1"}
	_, err = f.store.UpsertObject(ctx, o)
	require.NoError(t, err)
	return o
}

// drain runs every claimable task once and returns the handler errors.
func (f *fixture) drain(t *testing.T) []error {
	t.Helper()
	ctx := context.Background()
	var errs []error
	for {
		task, err := f.queue.Dequeue(ctx, "test")
		require.NoError(t, err)
		if task == nil {
			return errs
		}
		h, ok := f.handlers[task.Type]
		require.True(t, ok, "no handler for %s", task.Type)
		if err := h.Handle(ctx, task); err != nil {
			errs = append(errs, err)
			_, failErr := f.queue.Fail(ctx, task.ID, err)
			require.NoError(t, failErr)
			continue
		}
		require.NoError(t, f.queue.Complete(ctx, task.ID))
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestReplicateCopiesObjectAndCatalogRow(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := payload(200)
	obj := f.putObject(t, "a.bin", data)

	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))

	got, ok := f.secondary.Object(f.backup.Name, "a.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)

	mirror, err := f.store.GetObject(ctx, f.backup.ID, "a.bin")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, md5Hex(data), mirror.MD5)
	assert.Equal(t, int64(200), mirror.FileSize)
	assert.Equal(t, "u1", mirror.Owner)

	// Replicating again updates the same row.
	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))
	rows, err := f.store.ListObjectsByKey(ctx, f.backup.ID, "a.bin")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReplicateVersionedInsertsRows(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	obj := f.putObject(t, "1700000000000000_v.txt", payload(10))

	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))
	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))

	rows, err := f.store.ListObjectsByKey(ctx, f.backup.ID, obj.Key)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].VersionID, rows[1].VersionID)
}

func TestDispatcherIgnoresBucketsWithoutBackup(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	obj := f.putObject(t, "a.bin", payload(5))

	plain := *f.src
	plain.Backup = false
	f.dispatcher.Replicate(ctx, &plain, obj)
	f.dispatcher.Replicate(ctx, f.backup, obj)
	f.dispatcher.ReplicateDelete(ctx, &plain, "a.bin")

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestReplicateDeleteRemovesMirror(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	obj := f.putObject(t, "gone.txt", payload(20))
	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))

	// Delete from the source, then propagate.
	require.NoError(t, f.primary.DeleteObject(ctx, f.src.Name, obj.Key))
	require.NoError(t, f.store.DeleteObject(ctx, obj.ID))
	f.dispatcher.ReplicateDelete(ctx, f.src, obj.Key)
	require.Empty(t, f.drain(t))

	_, ok := f.secondary.Object(f.backup.Name, obj.Key)
	assert.False(t, ok)
	mirror, err := f.store.GetObject(ctx, f.backup.ID, obj.Key)
	require.NoError(t, err)
	assert.Nil(t, mirror)
}

func TestReplicateDeleteKeepsReuploadedKey(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	obj := f.putObject(t, "back.txt", payload(20))
	f.dispatcher.Replicate(ctx, f.src, obj)
	require.Empty(t, f.drain(t))

	f.dispatcher.ReplicateDelete(ctx, f.src, obj.Key)
	require.Empty(t, f.drain(t))

	_, ok := f.secondary.Object(f.backup.Name, obj.Key)
	assert.True(t, ok)
}

func TestReplicateSkipsVanishedSource(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	obj := f.putObject(t, "tmp.txt", payload(20))
	f.dispatcher.Replicate(ctx, f.src, obj)
	require.NoError(t, f.store.DeleteObject(ctx, obj.ID))

	require.Empty(t, f.drain(t))
	assert.Zero(t, f.secondary.Calls(storage.OpCreateMultipart))
}

func TestReplicateFailureRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.secondary.Fault = func(op, bucket, key string) error {
		if op == storage.OpUploadPart {
			return errors.New("backup region unavailable")
		}
		return nil
	}
	obj := f.putObject(t, "a.bin", payload(100))
	f.dispatcher.Replicate(ctx, f.src, obj)

	errs := f.drain(t)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "backup region unavailable")
	assert.Zero(t, f.secondary.OpenUploads(), "failed copies abort their upload")

	tasks, err := f.queue.List(ctx, taskqueue.TaskFilter{Type: TaskReplicateObject})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskqueue.StatusPending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].Attempts)

	// Second and final attempt once the backoff has passed.
	task, err := f.queue.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	err = f.handlers[task.Type].Handle(ctx, task)
	require.Error(t, err)
	status, err := f.queue.Fail(ctx, task.ID, err)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusDeadLetter, status)

	mirror, err := f.store.GetObject(ctx, f.backup.ID, "a.bin")
	require.NoError(t, err)
	assert.Nil(t, mirror, "no catalog row without a completed copy")
}

func TestReconcilerRepairsDivergence(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	kept := f.putObject(t, "kept.txt", payload(30))
	f.dispatcher.Replicate(ctx, f.src, kept)
	require.Empty(t, f.drain(t))

	// missing.txt never reached the mirror; orphan.txt only exists there.
	f.putObject(t, "missing.txt", payload(40))
	orphan := &catalog.ObjectRecord{BucketID: f.backup.ID, Type: catalog.TypeFile, Name: "orphan.txt",
		Key: "orphan.txt", Owner: "u1", Permission: catalog.PermPrivate, MD5: "x"}
	require.NoError(t, f.store.CreateObject(ctx, orphan))

	rec := NewReconciler(f.store, f.dispatcher, time.Hour)
	report, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Buckets: 1, Replicated: 1, Deleted: 1}, report)

	// Queued tasks are not duplicated by a second pass.
	report, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Buckets: 1, Skipped: 2}, report)

	require.Empty(t, f.drain(t))
	report, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Buckets: 1}, report)

	_, ok := f.secondary.Object(f.backup.Name, "missing.txt")
	assert.True(t, ok)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(f.store, f.dispatcher, time.Millisecond).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
