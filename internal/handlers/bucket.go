// Package handlers implements the ossgate HTTP operations: JSON operations
// registered on the huma API and the streaming upload and download routes
// mounted directly on the chi router.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/cascade"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
	"github.com/ossgate/ossgate/internal/replication"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/uid"
)

// backupSuffixLen is the number of random characters in a backup bucket name.
const backupSuffixLen = 8

// Backfiller queues the mirroring of objects that existed before backup was
// enabled on a bucket.
type Backfiller interface {
	ReconcileBucket(ctx context.Context, src *catalog.BucketRecord) (replication.Report, error)
}

// BucketHandler contains the bucket-level operations.
type BucketHandler struct {
	store           catalog.Store
	regions         *storage.Registry
	purger          *cascade.Cascade
	backfill        Backfiller
	enforceCapacity bool
	now             func() time.Time
}

// NewBucketHandler creates a BucketHandler. backfill may be nil when
// replication is disabled.
func NewBucketHandler(store catalog.Store, regions *storage.Registry, purger *cascade.Cascade, backfill Backfiller, enforceCapacity bool) *BucketHandler {
	return &BucketHandler{
		store:           store,
		regions:         regions,
		purger:          purger,
		backfill:        backfill,
		enforceCapacity: enforceCapacity,
		now:             time.Now,
	}
}

// Register adds the bucket operations to api.
func (h *BucketHandler) Register(api huma.API) {
	tags := []string{"Buckets"}
	huma.Register(api, huma.Operation{
		OperationID: "list-buckets",
		Method:      http.MethodGet,
		Path:        "/api/buckets/bucket",
		Summary:     "List buckets owned by or granted to the caller",
		Tags:        tags,
	}, h.ListBuckets)
	huma.Register(api, huma.Operation{
		OperationID:   "create-bucket",
		Method:        http.MethodPost,
		Path:          "/api/buckets/bucket",
		Summary:       "Create a bucket",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, h.CreateBucket)
	huma.Register(api, huma.Operation{
		OperationID: "enable-bucket-backup",
		Method:      http.MethodPut,
		Path:        "/api/buckets/bucket",
		Summary:     "Enable backup mirroring into another region",
		Tags:        tags,
	}, h.EnableBackup)
	huma.Register(api, huma.Operation{
		OperationID: "delete-bucket",
		Method:      http.MethodDelete,
		Path:        "/api/buckets/bucket",
		Summary:     "Delete a bucket and every object in it",
		Tags:        tags,
	}, h.DeleteBucket)
	huma.Register(api, huma.Operation{
		OperationID: "query-bucket-exist",
		Method:      http.MethodGet,
		Path:        "/api/buckets/query_exist",
		Summary:     "Check whether a bucket name is taken",
		Tags:        tags,
	}, h.QueryExist)
	huma.Register(api, huma.Operation{
		OperationID: "set-bucket-permission",
		Method:      http.MethodPut,
		Path:        "/api/buckets/set_perm",
		Summary:     "Change the visibility of a bucket",
		Tags:        tags,
	}, h.SetPermission)
	huma.Register(api, huma.Operation{
		OperationID: "query-bucket-permission",
		Method:      http.MethodGet,
		Path:        "/api/buckets/query_perm",
		Summary:     "Read the visibility of a bucket",
		Tags:        tags,
	}, h.QueryPermission)
	huma.Register(api, huma.Operation{
		OperationID: "list-regions",
		Method:      http.MethodGet,
		Path:        "/api/buckets/region",
		Summary:     "List configured regions",
		Tags:        tags,
	}, h.ListRegions)
}

// ListBucketsInput is the query of list-buckets.
type ListBucketsInput struct {
	PageParams
}

// ListBucketsOutput is a page of buckets.
type ListBucketsOutput struct {
	Body struct {
		jsonutil.Envelope
		Data     []BucketView `json:"data"`
		PageInfo PageInfo     `json:"page_info"`
	}
}

// ListBuckets returns the caller's buckets and the buckets granted to the
// caller, newest first. Backup buckets are never listed.
func (h *BucketHandler) ListBuckets(ctx context.Context, in *ListBucketsInput) (*ListBucketsOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	page := in.page()
	buckets, total, err := h.store.ListBuckets(ctx, actor, page)
	if err != nil {
		return nil, apperr.Internal("listing buckets", err)
	}

	out := &ListBucketsOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = make([]BucketView, 0, len(buckets))
	for i := range buckets {
		out.Body.Data = append(out.Body.Data, bucketView(&buckets[i]))
	}
	out.Body.PageInfo = pageInfo(page, total)
	return out, nil
}

// CreateBucketInput is the body of create-bucket.
type CreateBucketInput struct {
	Body struct {
		Name           string `json:"name" doc:"Bucket name"`
		Region         string `json:"region" doc:"Id of the region the bucket is placed in"`
		VersionControl bool   `json:"version_control,omitempty"`
		Permission     string `json:"permission" enum:"private,public-read,public-read-write,authenticated"`
	}
}

// BucketOutput returns a single bucket.
type BucketOutput struct {
	Body struct {
		jsonutil.Envelope
		Data BucketView `json:"data"`
	}
}

func bucketOutput(b *catalog.BucketRecord) *BucketOutput {
	out := &BucketOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = bucketView(b)
	return out
}

// CreateBucket creates the bucket upstream, then records it. Versioning is
// enabled and a canned ACL pushed upstream when requested.
func (h *BucketHandler) CreateBucket(ctx context.Context, in *CreateBucketInput) (*BucketOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	perm := catalog.Permission(in.Body.Permission)
	if err := validateBucketName(in.Body.Name); err != nil {
		return nil, err
	}
	if !perm.Valid() {
		return nil, apperr.Invalid("permission", "unknown permission %q", perm)
	}
	backend, err := h.enabledRegion(in.Body.Region)
	if err != nil {
		return nil, err
	}

	existing, err := h.store.GetBucket(ctx, in.Body.Name)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if existing != nil {
		return nil, apperr.Invalid("name", "the bucket is already exist")
	}
	if err := h.checkCapacity(ctx, actor); err != nil {
		return nil, err
	}

	if err := provision(ctx, backend, in.Body.Name, in.Body.VersionControl, perm); err != nil {
		return nil, err
	}

	b := &catalog.BucketRecord{
		Name:           in.Body.Name,
		Owner:          actor,
		Region:         in.Body.Region,
		Permission:     perm,
		VersionControl: in.Body.VersionControl,
	}
	if err := h.store.CreateBucket(ctx, b); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			return nil, apperr.Invalid("name", "the bucket is already exist")
		}
		return nil, apperr.Internal("recording bucket", err)
	}

	zerolog.Ctx(ctx).Info().Str("bucket", b.Name).Str("region", b.Region).Msg("Bucket created")
	return bucketOutput(b), nil
}

// provision creates a bucket upstream and applies versioning and visibility.
func provision(ctx context.Context, backend storage.Backend, name string, versioned bool, perm catalog.Permission) error {
	if err := backend.CreateBucket(ctx, name); err != nil {
		return apperr.FromBackend("creating bucket", err)
	}
	if versioned {
		if err := backend.EnableVersioning(ctx, name); err != nil {
			return apperr.FromBackend("enabling versioning", err)
		}
	}
	if perm.IsPublic() {
		if err := backend.PutBucketACL(ctx, name, storage.VisibilityACL(perm)); err != nil {
			return apperr.FromBackend("setting bucket acl", err)
		}
	}
	return nil
}

// enabledRegion returns the backend of a region new buckets may be placed in.
func (h *BucketHandler) enabledRegion(id string) (storage.Backend, error) {
	region, ok := h.regions.Region(id)
	if !ok {
		return nil, apperr.ErrNoSuchRegion.WithField("region")
	}
	if !region.Enabled {
		return nil, apperr.Invalid("region", "region is not enable state")
	}
	return h.regions.Backend(id)
}

func (h *BucketHandler) checkCapacity(ctx context.Context, actor string) error {
	if !h.enforceCapacity {
		return nil
	}
	q, err := h.store.GetQuota(ctx, actor, catalog.QuotaCapacity)
	if err != nil {
		return apperr.Internal("reading capacity quota", err)
	}
	if !q.ValidAt(h.now()) {
		return apperr.Invalid("capacity", "user capacity not enough")
	}
	return nil
}

// ownedBucket loads a bucket by id and requires actor to own it.
func (h *BucketHandler) ownedBucket(ctx context.Context, actor string, id int64) (*catalog.BucketRecord, error) {
	b, err := h.store.GetBucketByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, apperr.ErrNoSuchBucket.WithField("bucket_id")
	}
	if b.Owner != actor {
		return nil, apperr.Denied("bucket owner and user not match")
	}
	return b, nil
}

// EnableBackupInput is the body of enable-bucket-backup.
type EnableBackupInput struct {
	Body struct {
		BucketID int64  `json:"bucket_id"`
		Region   string `json:"region" doc:"Id of the region holding the backup"`
	}
}

// EnableBackup creates a read-only mirror bucket in the requested region
// and flags the source for replication. Objects already in the source are
// queued for mirroring right away.
func (h *BucketHandler) EnableBackup(ctx context.Context, in *EnableBackupInput) (*BucketOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := h.enabledRegion(in.Body.Region)
	if err != nil {
		return nil, err
	}
	src, err := h.ownedBucket(ctx, actor, in.Body.BucketID)
	if err != nil {
		return nil, err
	}
	if src.IsBackup() {
		return nil, apperr.Invalid("bucket_id", "bucket is backup bucket")
	}
	if src.Backup {
		return nil, apperr.Invalid("bucket_id", "backup function is already enable")
	}

	mirror := &catalog.BucketRecord{
		Name:           backupName(src.Name),
		Owner:          src.Owner,
		Region:         in.Body.Region,
		Permission:     src.Permission,
		VersionControl: src.VersionControl,
		ReadOnly:       true,
		PID:            src.ID,
	}
	if err := provision(ctx, backend, mirror.Name, mirror.VersionControl, mirror.Permission); err != nil {
		return nil, err
	}
	if err := h.store.CreateBucket(ctx, mirror); err != nil {
		if delErr := backend.DeleteBucket(context.WithoutCancel(ctx), mirror.Name); delErr != nil {
			zerolog.Ctx(ctx).Warn().Err(delErr).Str("bucket", mirror.Name).Msg("Failed to remove orphaned backup bucket")
		}
		return nil, apperr.Internal("recording backup bucket", err)
	}

	src.Backup = true
	if err := h.store.UpdateBucket(ctx, src); err != nil {
		return nil, apperr.Internal("flagging bucket for backup", err)
	}

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("bucket", src.Name).Str("backup", mirror.Name).Str("region", mirror.Region).Msg("Backup enabled")
	if h.backfill != nil {
		report, err := h.backfill.ReconcileBucket(ctx, src)
		if err != nil {
			logger.Warn().Err(err).Str("bucket", src.Name).Msg("Failed to queue backup backfill")
		} else {
			logger.Info().Str("bucket", src.Name).Int("queued", report.Replicated).Msg("Backup backfill queued")
		}
	}
	return bucketOutput(mirror), nil
}

// backupName returns "<name>-<8 random>-backup", shortening name so the
// result stays a legal bucket name.
func backupName(name string) string {
	const extra = len("-") + backupSuffixLen + len("-backup")
	if limit := 63 - extra; len(name) > limit {
		name = name[:limit]
	}
	return name + "-" + uid.Suffix(backupSuffixLen) + "-backup"
}

// BucketIDInput selects a bucket by id in the query string.
type BucketIDInput struct {
	BucketID int64 `query:"bucket_id" required:"true"`
}

// DeleteBucket purges every object of the bucket, then removes the bucket
// upstream and from the catalog. Deleting a backup bucket turns backup off
// on its source. Deleting a source leaves its backup in place.
func (h *BucketHandler) DeleteBucket(ctx context.Context, in *BucketIDInput) (*StatusOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	b, err := h.ownedBucket(ctx, actor, in.BucketID)
	if err != nil {
		return nil, err
	}

	if b.IsBackup() {
		parent, err := h.store.GetBucketByID(ctx, b.PID)
		if err != nil {
			return nil, apperr.Internal("reading source bucket", err)
		}
		if parent != nil && parent.Backup {
			parent.Backup = false
			if err := h.store.UpdateBucket(ctx, parent); err != nil {
				return nil, apperr.Internal("clearing backup flag", err)
			}
		}
	}

	objects, err := h.store.ListAllObjects(ctx, b.ID)
	if err != nil {
		return nil, apperr.Internal("listing objects", err)
	}
	// The purge must not propagate to the mirror.
	purged := *b
	purged.Backup = false
	if _, err := h.purger.Purge(ctx, &purged, objects); err != nil {
		return nil, err
	}

	backend, err := h.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	if err := backend.DeleteBucket(ctx, b.Name); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.FromBackend("deleting bucket", err)
	}
	if err := h.store.DeleteBucket(ctx, b.ID); err != nil {
		return nil, apperr.Internal("removing bucket", err)
	}

	zerolog.Ctx(ctx).Info().Str("bucket", b.Name).Int("objects", len(objects)).Msg("Bucket deleted")
	return success(), nil
}

// QueryExistInput is the query of query-bucket-exist.
type QueryExistInput struct {
	Name string `query:"name" required:"true"`
}

// QueryExistOutput reports whether a name is taken.
type QueryExistOutput struct {
	Body struct {
		jsonutil.Envelope
		Exist bool `json:"exist"`
	}
}

// QueryExist reports whether a bucket with the given name exists.
func (h *BucketHandler) QueryExist(ctx context.Context, in *QueryExistInput) (*QueryExistOutput, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	b, err := h.store.GetBucket(ctx, in.Name)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	out := &QueryExistOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Exist = b != nil
	return out, nil
}

// SetBucketPermissionInput is the body of set-bucket-permission.
type SetBucketPermissionInput struct {
	Body struct {
		BucketID   int64  `json:"bucket_id"`
		Permission string `json:"permission" enum:"private,public-read,public-read-write,authenticated"`
	}
}

// SetPermission changes a bucket's visibility. The matching canned ACL is
// pushed upstream; authenticated has no upstream equivalent and is pushed as
// private.
func (h *BucketHandler) SetPermission(ctx context.Context, in *SetBucketPermissionInput) (*StatusOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	perm := catalog.Permission(in.Body.Permission)
	if !perm.Valid() {
		return nil, apperr.Invalid("permission", "unknown permission %q", perm)
	}
	b, err := h.ownedBucket(ctx, actor, in.Body.BucketID)
	if err != nil {
		return nil, err
	}
	// Backup buckets are read-only, visibility included.
	if b.ReadOnly {
		return nil, apperr.ErrReadOnly
	}

	backend, err := h.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	if err := backend.PutBucketACL(ctx, b.Name, storage.VisibilityACL(perm)); err != nil {
		return nil, apperr.FromBackend("setting bucket acl", err)
	}
	b.Permission = perm
	if err := h.store.UpdateBucket(ctx, b); err != nil {
		return nil, apperr.Internal("updating bucket", err)
	}
	return success(), nil
}

// PermissionOutput returns a visibility.
type PermissionOutput struct {
	Body struct {
		jsonutil.Envelope
		Permission string `json:"permission"`
	}
}

func permissionOutput(p catalog.Permission) *PermissionOutput {
	out := &PermissionOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Permission = string(p)
	return out
}

// QueryPermission returns a bucket's visibility to its owner.
func (h *BucketHandler) QueryPermission(ctx context.Context, in *BucketIDInput) (*PermissionOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	b, err := h.ownedBucket(ctx, actor, in.BucketID)
	if err != nil {
		return nil, err
	}
	return permissionOutput(b.Permission), nil
}

// RegionsOutput lists the configured regions.
type RegionsOutput struct {
	Body struct {
		jsonutil.Envelope
		Data []storage.Region `json:"data"`
	}
}

// ListRegions returns every configured region without credentials.
func (h *BucketHandler) ListRegions(ctx context.Context, _ *struct{}) (*RegionsOutput, error) {
	out := &RegionsOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = h.regions.Regions()
	return out, nil
}
