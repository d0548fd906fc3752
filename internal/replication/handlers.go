package replication

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/taskqueue"
)

var tracer = otel.Tracer("github.com/ossgate/ossgate/internal/replication")

// Options tunes the replication handlers.
type Options struct {
	// ChunkSize is the multipart part size used when writing the mirror.
	ChunkSize int64
	// Window is the size of each ranged read from the source.
	Window int64
	// Limiter paces backend requests. Nil means unlimited.
	Limiter *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = storage.DefaultChunkSize
	}
	if o.Window <= 0 {
		o.Window = storage.DefaultChunkSize
	}
	return o
}

// NewLimiter returns a limiter for perSecond backend requests, or nil when
// perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Register attaches both replication handlers to w.
func Register(w *taskqueue.Worker, store catalog.Store, regions *storage.Registry, opts Options) {
	w.RegisterHandler(NewObjectHandler(store, regions, opts))
	w.RegisterHandler(NewDeleteHandler(store, regions, opts))
}

// pacedBackend waits on the limiter before every data-plane call.
type pacedBackend struct {
	storage.Backend
	limiter *rate.Limiter
}

func pace(b storage.Backend, l *rate.Limiter) storage.Backend {
	if l == nil {
		return b
	}
	return &pacedBackend{Backend: b, limiter: l}
}

func (p *pacedBackend) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Backend.GetRange(ctx, bucket, key, offset, length)
}

func (p *pacedBackend) CreateMultipartUpload(ctx context.Context, bucket, key, acl string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.Backend.CreateMultipartUpload(ctx, bucket, key, acl)
}

func (p *pacedBackend) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, data []byte) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.Backend.UploadPart(ctx, bucket, key, uploadID, number, data)
}

func (p *pacedBackend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.Part) (*storage.CompletedUpload, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Backend.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts)
}

func (p *pacedBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.Backend.DeleteObject(ctx, bucket, key)
}

// ObjectHandler copies a source object into the backup bucket.
type ObjectHandler struct {
	store   catalog.Store
	regions *storage.Registry
	opts    Options
}

// NewObjectHandler creates the replicate_object handler.
func NewObjectHandler(store catalog.Store, regions *storage.Registry, opts Options) *ObjectHandler {
	return &ObjectHandler{store: store, regions: regions, opts: opts.withDefaults()}
}

func (h *ObjectHandler) Type() taskqueue.TaskType { return TaskReplicateObject }

func (h *ObjectHandler) Handle(ctx context.Context, task *taskqueue.Task) (err error) {
	p, err := taskqueue.UnmarshalPayload[ObjectPayload](task.Payload)
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	ctx, span := tracer.Start(ctx, "replication.object")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int64("bucket_id", p.BucketID), attribute.Int64("object_id", p.ObjectID))

	logger := zerolog.Ctx(ctx)

	src, err := h.store.GetBucketByID(ctx, p.BucketID)
	if err != nil {
		return err
	}
	obj, err := h.store.GetObjectByID(ctx, p.ObjectID)
	if err != nil {
		return err
	}
	if src == nil || obj == nil {
		// Removed since the task was queued; the delete path owns cleanup.
		logger.Debug().Int64("object_id", p.ObjectID).Msg("Source object gone, skipping replication")
		return nil
	}
	backup, err := h.store.GetBackupBucket(ctx, src.ID)
	if err != nil {
		return err
	}
	if backup == nil {
		logger.Warn().Str("bucket", src.Name).Msg("Bucket has no backup bucket, skipping replication")
		return nil
	}

	mirror := &catalog.ObjectRecord{
		BucketID:   backup.ID,
		Type:       obj.Type,
		Name:       obj.Name,
		Root:       obj.Root,
		Key:        obj.Key,
		Permission: obj.Permission,
		Owner:      obj.Owner,
	}
	// Directory markers exist only in the catalog.
	if !obj.IsDir() {
		res, err := h.copy(ctx, src, backup, obj)
		if err != nil {
			return err
		}
		mirror.FileSize = res.Size
		mirror.MD5 = res.MD5
		mirror.ETag = res.ETag
		mirror.VersionID = res.VersionID
	}

	if backup.VersionControl {
		if err := h.store.CreateObject(ctx, mirror); err != nil && !errors.Is(err, catalog.ErrConflict) {
			return err
		}
	} else if _, err := h.store.UpsertObject(ctx, mirror); err != nil {
		return err
	}

	logger.Info().
		Str("bucket", src.Name).
		Str("backup", backup.Name).
		Str("key", obj.Key).
		Str("size", humanize.IBytes(uint64(mirror.FileSize))).
		Msg("Object replicated")
	return nil
}

func (h *ObjectHandler) copy(ctx context.Context, src, backup *catalog.BucketRecord, obj *catalog.ObjectRecord) (*storage.UploadResult, error) {
	srcBackend, err := h.regions.Backend(src.Region)
	if err != nil {
		return nil, err
	}
	dstBackend, err := h.regions.Backend(backup.Region)
	if err != nil {
		return nil, err
	}
	srcBackend = pace(srcBackend, h.opts.Limiter)
	dstBackend = pace(dstBackend, h.opts.Limiter)

	reader := storage.NewRangeReader(ctx, srcBackend, src.Name, obj.Key, obj.FileSize, h.opts.Window)
	defer reader.Close()

	res, err := storage.UploadChunked(ctx, dstBackend, backup.Name, obj.Key, storage.UploadACL(obj.Permission), reader, h.opts.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("copying %s/%s to %s: %w", src.Name, obj.Key, backup.Name, err)
	}
	if obj.MD5 != "" && res.MD5 != obj.MD5 {
		// The source was overwritten mid-copy; the next attempt rereads it.
		return nil, fmt.Errorf("checksum mismatch for %s/%s: catalog %s, copied %s", src.Name, obj.Key, obj.MD5, res.MD5)
	}
	return res, nil
}

// DeleteHandler removes a key from the backup bucket.
type DeleteHandler struct {
	store   catalog.Store
	regions *storage.Registry
	opts    Options
}

// NewDeleteHandler creates the replicate_delete handler.
func NewDeleteHandler(store catalog.Store, regions *storage.Registry, opts Options) *DeleteHandler {
	return &DeleteHandler{store: store, regions: regions, opts: opts.withDefaults()}
}

func (h *DeleteHandler) Type() taskqueue.TaskType { return TaskReplicateDelete }

func (h *DeleteHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	p, err := taskqueue.UnmarshalPayload[DeletePayload](task.Payload)
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	logger := zerolog.Ctx(ctx)

	backup, err := h.store.GetBackupBucket(ctx, p.BucketID)
	if err != nil {
		return err
	}
	if backup == nil {
		return nil
	}
	// Re-uploaded since the delete was queued: keep the mirror.
	current, err := h.store.GetObject(ctx, p.BucketID, p.Key)
	if err != nil {
		return err
	}
	if current != nil {
		logger.Debug().Str("key", p.Key).Msg("Key exists again in source, skipping replicated delete")
		return nil
	}

	backend, err := h.regions.Backend(backup.Region)
	if err != nil {
		return err
	}
	if err := pace(backend, h.opts.Limiter).DeleteObject(ctx, backup.Name, p.Key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", backup.Name, p.Key, err)
	}

	rows, err := h.store.ListObjectsByKey(ctx, backup.ID, p.Key)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := h.store.DeleteObject(ctx, row.ID); err != nil {
			return err
		}
	}

	logger.Info().Str("backup", backup.Name).Str("key", p.Key).Msg("Replicated delete")
	return nil
}
