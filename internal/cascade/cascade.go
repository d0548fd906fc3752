// Package cascade deletes files and whole directory trees from a bucket,
// backend first and catalog second, item by item.
package cascade

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/storage"
)

// DeleteReplicator propagates deletions to a bucket's backup.
type DeleteReplicator interface {
	ReplicateDelete(ctx context.Context, bucket *catalog.BucketRecord, key string)
}

// Result lists the keys removed by a cascade.
type Result struct {
	Deleted []string
	Failed  []string
}

// Cascade performs authorized deletes.
type Cascade struct {
	store      catalog.Store
	regions    *storage.Registry
	resolver   *authz.Resolver
	replicator DeleteReplicator
}

// New creates a Cascade. replicator may be nil.
func New(store catalog.Store, regions *storage.Registry, resolver *authz.Resolver, replicator DeleteReplicator) *Cascade {
	return &Cascade{store: store, regions: regions, resolver: resolver, replicator: replicator}
}

// Delete removes key from bucketName. Files need read-write on the object,
// directories read-write on the bucket; a directory takes every descendant
// of the same owner with it. Items are deleted independently: when some
// fail the others stay deleted and a PartialFailure lists the failures.
func (c *Cascade) Delete(ctx context.Context, actor, bucketName, key string) (*Result, error) {
	key = strings.ReplaceAll(key, ",", "/")
	if bucketName == "" {
		return nil, apperr.Invalid("bucket_name", "bucket_name is required")
	}
	if key == "" {
		return nil, apperr.Invalid("key", "key is required")
	}

	b, err := c.store.GetBucket(ctx, bucketName)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, apperr.ErrNoSuchObject
	}
	obj, err := c.store.GetObject(ctx, b.ID, key)
	if err != nil {
		return nil, apperr.Internal("reading object", err)
	}
	if obj == nil {
		return nil, apperr.ErrNoSuchObject
	}

	res := authz.ObjectResource(b, obj)
	if obj.IsDir() {
		res = authz.BucketResource(b)
	}
	if err := c.resolver.Authorize(ctx, actor, res, catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	if b.ReadOnly {
		return nil, apperr.ErrReadOnly
	}

	items := []catalog.ObjectRecord{*obj}
	if obj.IsDir() {
		children, err := c.store.ListObjectsByPrefix(ctx, b.ID, obj.Owner, obj.Path())
		if err != nil {
			return nil, apperr.Internal("listing directory", err)
		}
		items = append(deepestFirst(children), *obj)
	}
	return c.Purge(ctx, b, items)
}

// deepestFirst orders objects so that children precede their directories.
func deepestFirst(objs []catalog.ObjectRecord) []catalog.ObjectRecord {
	sort.SliceStable(objs, func(i, j int) bool {
		di, dj := strings.Count(objs[i].Key, "/"), strings.Count(objs[j].Key, "/")
		if di != dj {
			return di > dj
		}
		return objs[i].Key > objs[j].Key
	})
	return objs
}

// Purge deletes items from b without authorization checks. It is also used
// when a whole bucket is removed.
func (c *Cascade) Purge(ctx context.Context, b *catalog.BucketRecord, items []catalog.ObjectRecord) (*Result, error) {
	backend, err := c.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Ctx(ctx)

	result := &Result{}
	var errs []error
	for _, item := range items {
		if err := c.deleteOne(ctx, backend, b, &item); err != nil {
			logger.Warn().Err(err).Str("bucket", b.Name).Str("key", item.Key).Msg("Failed to delete object")
			result.Failed = append(result.Failed, item.Key)
			errs = append(errs, err)
			continue
		}
		result.Deleted = append(result.Deleted, item.Key)
		if b.Backup && c.replicator != nil {
			c.replicator.ReplicateDelete(ctx, b, item.Key)
		}
	}

	logger.Info().
		Str("bucket", b.Name).
		Int("deleted", len(result.Deleted)).
		Int("failed", len(result.Failed)).
		Msg("Delete cascade finished")

	if len(result.Failed) > 0 {
		return result, apperr.Partial(result.Failed, errors.Join(errs...))
	}
	return result, nil
}

// deleteOne removes the backend object, then its catalog row. Directory
// markers have no backend object; deleting them upstream is a no-op.
func (c *Cascade) deleteOne(ctx context.Context, backend storage.Backend, b *catalog.BucketRecord, o *catalog.ObjectRecord) error {
	if err := backend.DeleteObject(ctx, b.Name, o.Key); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	if err := c.store.DeleteObject(ctx, o.ID); err != nil {
		return apperr.Internal("removing catalog row", err)
	}
	return nil
}
