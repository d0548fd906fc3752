// Package storage defines the backing object store interface for ossgate and
// its implementations: an S3 backend for any S3-compatible endpoint and an
// in-memory backend for development and tests.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/ossgate/ossgate/internal/catalog"
)

// Part identifies one uploaded part of a multipart session.
type Part struct {
	Number int32
	ETag   string
}

// CompletedUpload is returned when a multipart session is completed.
type CompletedUpload struct {
	ETag      string
	VersionID string
}

// ObjectInfo is the subset of object metadata ossgate reads from a backend.
type ObjectInfo struct {
	Size      int64
	ETag      string
	VersionID string
}

// Backend is the set of S3 operations ossgate issues against one region.
// Errors are returned as classified *errors.Error values. All methods must
// be safe for concurrent use.
type Backend interface {
	// CreateBucket creates the bucket. An already-owned bucket is not an error.
	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	EnableVersioning(ctx context.Context, bucket string) error
	// PutBucketACL sets a canned ACL on the bucket.
	PutBucketACL(ctx context.Context, bucket, acl string) error

	// CreateMultipartUpload opens a session. acl is a canned ACL or "".
	CreateMultipartUpload(ctx context.Context, bucket, key, acl string) (string, error)
	// UploadPart sends one part. Implementations must not retain data.
	UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, data []byte) (string, error)
	// CompleteMultipartUpload assembles parts in the given order.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*CompletedUpload, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// GetRange reads length bytes starting at offset. The final window may
	// be shorter than length.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	// DeleteObject removes the key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error
	// PutObjectACL sets a canned ACL on the object.
	PutObjectACL(ctx context.Context, bucket, key, acl string) error

	// HealthCheck verifies the endpoint is reachable.
	HealthCheck(ctx context.Context) error
}

// Canned ACL values understood by S3-compatible stores.
const (
	ACLPrivate         = "private"
	ACLPublicRead      = "public-read"
	ACLPublicReadWrite = "public-read-write"
)

// UploadACL returns the canned ACL sent with a new object, or "" when the
// visibility has no upstream equivalent. Only public-read* is pushed;
// authenticated is enforced by the catalog alone.
func UploadACL(perm catalog.Permission) string {
	if strings.HasPrefix(string(perm), "public-read") {
		return string(perm)
	}
	return ""
}

// VisibilityACL returns the canned ACL pushed when a visibility is changed:
// public-* as-is, everything else as private.
func VisibilityACL(perm catalog.Permission) string {
	if perm.IsPublic() {
		return string(perm)
	}
	return ACLPrivate
}
