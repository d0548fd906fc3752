// Package upload streams client files into a bucket as chunked multipart
// uploads and records them in the catalog. It also creates directory
// markers, which share the upload's path and ownership rules.
package upload

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/uid"
)

// MaxFilenameLen is the longest accepted filename in bytes.
const MaxFilenameLen = 1024

// MaxFolderNameLen is the longest accepted folder name in characters.
const MaxFolderNameLen = 1024

var (
	tracer = otel.Tracer("github.com/ossgate/ossgate/internal/upload")

	folderNameRE = regexp.MustCompile(`^[\p{Han}a-zA-Z0-9\-_]+$`)
)

// Replicator schedules mirroring of a new object. Implementations must not
// block on the copy itself.
type Replicator interface {
	Replicate(ctx context.Context, bucket *catalog.BucketRecord, obj *catalog.ObjectRecord)
}

// Request is a single file upload.
type Request struct {
	Actor      string
	BucketName string
	// Path is the target directory; "," is accepted as a separator.
	Path     string
	Filename string
	Body     io.Reader
	// Permission defaults to the bucket's visibility when empty.
	Permission catalog.Permission
}

// Result describes a stored upload.
type Result struct {
	Object *catalog.ObjectRecord
	// Created is false when an existing row was overwritten.
	Created bool
	Parts   int
}

// FolderRequest creates a directory marker.
type FolderRequest struct {
	Actor      string
	BucketName string
	Path       string
	FolderName string
}

// Coordinator validates, authorizes and performs uploads.
type Coordinator struct {
	store      catalog.Store
	regions    *storage.Registry
	resolver   *authz.Resolver
	replicator Replicator
	chunkSize  int64
}

// NewCoordinator creates a Coordinator. replicator may be nil when
// replication is disabled.
func NewCoordinator(store catalog.Store, regions *storage.Registry, resolver *authz.Resolver, replicator Replicator, chunkSize int64) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &Coordinator{
		store:      store,
		regions:    regions,
		resolver:   resolver,
		replicator: replicator,
		chunkSize:  chunkSize,
	}
}

// NormalizePath converts "," separators to "/".
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, ",", "/")
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return apperr.Invalid("file", "file is required")
	case len(name) > MaxFilenameLen:
		return apperr.Invalid("file", "filename is too long")
	case strings.ContainsAny(name, `,/\`):
		return apperr.Invalid("file", "filename contains some special char")
	}
	return nil
}

// writableBucket loads the bucket and checks it accepts writes from actor.
func (c *Coordinator) writableBucket(ctx context.Context, actor, name string) (*catalog.BucketRecord, error) {
	if name == "" {
		return nil, apperr.Invalid("bucket_name", "bucket_name is required")
	}
	b, err := c.store.GetBucket(ctx, name)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, apperr.ErrNoSuchBucket
	}
	if b.ReadOnly {
		return nil, apperr.ErrReadOnly
	}
	if err := c.resolver.Authorize(ctx, actor, authz.BucketResource(b), catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	return b, nil
}

// directory resolves path to an existing directory of the bucket and
// returns it as a root. The empty path is the bucket root.
func (c *Coordinator) directory(ctx context.Context, b *catalog.BucketRecord, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	dir, err := c.store.GetObject(ctx, b.ID, path)
	if err != nil {
		return "", apperr.Internal("reading directory", err)
	}
	if dir == nil || !dir.IsDir() {
		return "", apperr.Invalid("path", "illegal path")
	}
	return dir.Key, nil
}

// ownerFor returns who owns new objects: the bucket owner for
// public-read-write buckets, else the uploader.
func ownerFor(b *catalog.BucketRecord, actor string) string {
	if b.Permission == catalog.PermPublicReadWrite {
		return b.Owner
	}
	return actor
}

// Upload streams req.Body into the bucket. Every validation runs before the
// backend is contacted.
func (c *Coordinator) Upload(ctx context.Context, req Request) (_ *Result, err error) {
	ctx, span := tracer.Start(ctx, "upload.Upload")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("bucket", req.BucketName), attribute.String("filename", req.Filename))

	if err := validateFilename(req.Filename); err != nil {
		return nil, err
	}
	if req.Permission != "" && !req.Permission.Valid() {
		return nil, apperr.Invalid("permission", "permission value has wrong!")
	}

	b, err := c.writableBucket(ctx, req.Actor, req.BucketName)
	if err != nil {
		return nil, err
	}
	root, err := c.directory(ctx, b, NormalizePath(req.Path))
	if err != nil {
		return nil, err
	}
	perm := req.Permission
	if perm == "" {
		perm = b.Permission
	}

	key := root + req.Filename
	if b.VersionControl {
		key = root + uid.VersionStamp() + "_" + req.Filename
	}

	backend, err := c.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	res, err := storage.UploadChunked(ctx, backend, b.Name, key, storage.UploadACL(perm), req.Body, c.chunkSize)
	if err != nil {
		return nil, err
	}

	obj := &catalog.ObjectRecord{
		BucketID:   b.ID,
		Type:       catalog.TypeFile,
		Name:       req.Filename,
		Root:       root,
		Key:        key,
		FileSize:   res.Size,
		MD5:        res.MD5,
		ETag:       res.ETag,
		VersionID:  res.VersionID,
		Permission: perm,
		Owner:      ownerFor(b, req.Actor),
	}
	created := true
	if b.VersionControl {
		err = c.store.CreateObject(ctx, obj)
	} else {
		created, err = c.store.UpsertObject(ctx, obj)
	}
	if err != nil {
		return nil, apperr.Internal("recording object", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("bucket", b.Name).
		Str("key", key).
		Str("size", humanize.IBytes(uint64(res.Size))).
		Int("parts", res.Parts).
		Bool("created", created).
		Msg("Object uploaded")

	if b.Backup && c.replicator != nil {
		c.replicator.Replicate(ctx, b, obj)
	}
	return &Result{Object: obj, Created: created, Parts: res.Parts}, nil
}

// CreateFolder records a directory marker. Directories exist only in the
// catalog.
func (c *Coordinator) CreateFolder(ctx context.Context, req FolderRequest) (*catalog.ObjectRecord, error) {
	if utf8.RuneCountInString(req.FolderName) > MaxFolderNameLen || !folderNameRE.MatchString(req.FolderName) {
		return nil, apperr.Invalid("folder_name", "illegal folder name")
	}
	path := NormalizePath(req.Path)
	if path != "" && (!strings.HasSuffix(path, "/") || strings.HasPrefix(path, "/")) {
		return nil, apperr.Invalid("path", "path must end with / and must not start with /")
	}

	b, err := c.writableBucket(ctx, req.Actor, req.BucketName)
	if err != nil {
		return nil, err
	}
	root, err := c.directory(ctx, b, path)
	if err != nil {
		return nil, err
	}

	dir := &catalog.ObjectRecord{
		BucketID:   b.ID,
		Type:       catalog.TypeDirectory,
		Name:       req.FolderName + "/",
		Root:       root,
		Key:        root + req.FolderName + "/",
		Permission: b.Permission,
		Owner:      ownerFor(b, req.Actor),
	}
	if err := c.store.CreateObject(ctx, dir); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			return nil, apperr.Invalid("folder_name", "folder already exists")
		}
		return nil, apperr.Internal("recording folder", err)
	}

	if b.Backup && c.replicator != nil {
		c.replicator.Replicate(ctx, b, dir)
	}
	return dir, nil
}
