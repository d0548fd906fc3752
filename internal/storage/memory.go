package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strconv"
	"sync"

	apperr "github.com/ossgate/ossgate/internal/errors"
)

// Operation names reported to MemoryBackend.Fault and counted by Calls.
const (
	OpCreateBucket    = "CreateBucket"
	OpDeleteBucket    = "DeleteBucket"
	OpVersioning      = "EnableVersioning"
	OpPutBucketACL    = "PutBucketACL"
	OpCreateMultipart = "CreateMultipartUpload"
	OpUploadPart      = "UploadPart"
	OpComplete        = "CompleteMultipartUpload"
	OpAbort           = "AbortMultipartUpload"
	OpGetRange        = "GetRange"
	OpHeadObject      = "HeadObject"
	OpDeleteObject    = "DeleteObject"
	OpPutObjectACL    = "PutObjectACL"
	OpHealthCheck     = "HealthCheck"
)

// memObject holds the raw data and computed ETag for an in-memory object.
type memObject struct {
	Data      []byte
	ETag      string
	VersionID string
	ACL       string
}

type memBucket struct {
	versioned bool
	acl       string
	objects   map[string]memObject
}

type memUpload struct {
	bucket string
	key    string
	acl    string
	parts  map[int32][]byte
}

// MemoryBackend implements Backend with in-memory maps. It is used for
// "memory" regions in development and throughout the test suites.
type MemoryBackend struct {
	// Fault, when set, is consulted before every operation; a non-nil
	// return fails the call with that error.
	Fault func(op, bucket, key string) error

	mu       sync.Mutex
	buckets  map[string]*memBucket
	uploads  map[string]*memUpload
	calls    map[string]int
	nextID   int
	versions int
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]*memBucket),
		uploads: make(map[string]*memUpload),
		calls:   make(map[string]int),
	}
}

// enter records the call and applies the fault hook. Callers hold b.mu.
func (b *MemoryBackend) enter(op, bucket, key string) error {
	b.calls[op]++
	if b.Fault != nil {
		if err := b.Fault(op, bucket, key); err != nil {
			return err
		}
	}
	return nil
}

func noSuchBucket(bucket string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Message: "no such bucket: " + bucket, BackendCode: "NoSuchBucket"}
}

func noSuchKey(key string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Message: "no such key: " + key, BackendCode: "NoSuchKey"}
}

// Calls returns how many times op was invoked.
func (b *MemoryBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Object returns a copy of the stored bytes for bucket/key.
func (b *MemoryBackend) Object(bucket, key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buckets[bucket]
	if !ok {
		return nil, false
	}
	obj, ok := mb.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.Data), true
}

// ObjectACL returns the canned ACL last applied to bucket/key.
func (b *MemoryBackend) ObjectACL(bucket, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.buckets[bucket]; ok {
		return mb.objects[key].ACL
	}
	return ""
}

// BucketACL returns the canned ACL last applied to the bucket.
func (b *MemoryBackend) BucketACL(bucket string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.buckets[bucket]; ok {
		return mb.acl
	}
	return ""
}

// HasBucket reports whether the bucket exists.
func (b *MemoryBackend) HasBucket(bucket string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.buckets[bucket]
	return ok
}

// Versioned reports whether versioning was enabled on the bucket.
func (b *MemoryBackend) Versioned(bucket string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buckets[bucket]
	return ok && mb.versioned
}

// OpenUploads returns the number of multipart sessions neither completed
// nor aborted.
func (b *MemoryBackend) OpenUploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// CreateBucket creates an empty bucket. Re-creating is a no-op.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateBucket, bucket, ""); err != nil {
		return err
	}
	if _, ok := b.buckets[bucket]; !ok {
		b.buckets[bucket] = &memBucket{objects: make(map[string]memObject)}
	}
	return nil
}

// DeleteBucket removes the bucket and everything in it.
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteBucket, bucket, ""); err != nil {
		return err
	}
	delete(b.buckets, bucket)
	return nil
}

// EnableVersioning marks the bucket as versioned.
func (b *MemoryBackend) EnableVersioning(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpVersioning, bucket, ""); err != nil {
		return err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return noSuchBucket(bucket)
	}
	mb.versioned = true
	return nil
}

// PutBucketACL records the canned ACL.
func (b *MemoryBackend) PutBucketACL(ctx context.Context, bucket, acl string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPutBucketACL, bucket, ""); err != nil {
		return err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return noSuchBucket(bucket)
	}
	mb.acl = acl
	return nil
}

// CreateMultipartUpload opens a session.
func (b *MemoryBackend) CreateMultipartUpload(ctx context.Context, bucket, key, acl string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateMultipart, bucket, key); err != nil {
		return "", err
	}
	if _, ok := b.buckets[bucket]; !ok {
		return "", noSuchBucket(bucket)
	}
	b.nextID++
	id := "mem-upload-" + strconv.Itoa(b.nextID)
	b.uploads[id] = &memUpload{bucket: bucket, key: key, acl: acl, parts: make(map[int32][]byte)}
	return id, nil
}

// UploadPart stores a copy of data as part number.
func (b *MemoryBackend) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUploadPart, bucket, key); err != nil {
		return "", err
	}
	up, ok := b.uploads[uploadID]
	if !ok {
		return "", &apperr.Error{Kind: apperr.KindBackend, Message: "no such upload", BackendCode: "NoSuchUpload"}
	}
	up.parts[number] = bytes.Clone(data)
	return fmt.Sprintf(`"%x"`, md5.Sum(data)), nil
}

// CompleteMultipartUpload concatenates the listed parts in order.
func (b *MemoryBackend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*CompletedUpload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpComplete, bucket, key); err != nil {
		return nil, err
	}
	up, ok := b.uploads[uploadID]
	if !ok {
		return nil, &apperr.Error{Kind: apperr.KindBackend, Message: "no such upload", BackendCode: "NoSuchUpload"}
	}
	mb, ok := b.buckets[up.bucket]
	if !ok {
		return nil, noSuchBucket(up.bucket)
	}

	var assembled bytes.Buffer
	composite := md5.New()
	for _, p := range parts {
		data, ok := up.parts[p.Number]
		if !ok {
			return nil, &apperr.Error{Kind: apperr.KindBackend, Message: fmt.Sprintf("part %d not found", p.Number), BackendCode: "InvalidPart"}
		}
		assembled.Write(data)
		sum := md5.Sum(data)
		composite.Write(sum[:])
	}

	out := &CompletedUpload{ETag: fmt.Sprintf("%x-%d", composite.Sum(nil), len(parts))}
	if mb.versioned {
		b.versions++
		out.VersionID = "v" + strconv.Itoa(b.versions)
	}
	mb.objects[up.key] = memObject{Data: assembled.Bytes(), ETag: out.ETag, VersionID: out.VersionID, ACL: up.acl}
	delete(b.uploads, uploadID)
	return out, nil
}

// AbortMultipartUpload discards the session and its parts.
func (b *MemoryBackend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAbort, bucket, key); err != nil {
		return err
	}
	delete(b.uploads, uploadID)
	return nil
}

// GetRange returns a window of the stored bytes.
func (b *MemoryBackend) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetRange, bucket, key); err != nil {
		return nil, err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	obj, ok := mb.objects[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	size := int64(len(obj.Data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.Data[offset:end]))), nil
}

// HeadObject returns the stored object's metadata.
func (b *MemoryBackend) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpHeadObject, bucket, key); err != nil {
		return nil, err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	obj, ok := mb.objects[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return &ObjectInfo{Size: int64(len(obj.Data)), ETag: obj.ETag, VersionID: obj.VersionID}, nil
}

// DeleteObject removes the key if present.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteObject, bucket, key); err != nil {
		return err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return noSuchBucket(bucket)
	}
	delete(mb.objects, key)
	return nil
}

// PutObjectACL records the canned ACL on an existing object.
func (b *MemoryBackend) PutObjectACL(ctx context.Context, bucket, key, acl string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPutObjectACL, bucket, key); err != nil {
		return err
	}
	mb, ok := b.buckets[bucket]
	if !ok {
		return noSuchBucket(bucket)
	}
	obj, ok := mb.objects[key]
	if !ok {
		return noSuchKey(key)
	}
	obj.ACL = acl
	mb.objects[key] = obj
	return nil
}

// HealthCheck succeeds unless Fault fails it.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enter(OpHealthCheck, "", "")
}
