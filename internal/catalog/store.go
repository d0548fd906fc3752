// Package catalog defines the persisted metadata model for ossgate: buckets,
// objects, ACL grants, and the principal, quota and access key records the
// transfer pipeline reads.
package catalog

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("catalog: record already exists")

// Permission is the visibility of a bucket or object.
type Permission string

const (
	PermPrivate         Permission = "private"
	PermPublicRead      Permission = "public-read"
	PermPublicReadWrite Permission = "public-read-write"
	PermAuthenticated   Permission = "authenticated"
)

// Valid reports whether p is one of the four visibility values.
func (p Permission) Valid() bool {
	switch p {
	case PermPrivate, PermPublicRead, PermPublicReadWrite, PermAuthenticated:
		return true
	}
	return false
}

// IsPublic reports whether p is public-read or public-read-write.
func (p Permission) IsPublic() bool {
	return strings.HasPrefix(string(p), "public-")
}

// Action is an operation class checked by the authorization resolver.
type Action string

const (
	ActionRead      Action = "read"
	ActionReadWrite Action = "read-write"
)

// GrantPermission is the permission carried by an ACL grant.
type GrantPermission string

const (
	GrantRead      GrantPermission = "authenticated-read"
	GrantReadWrite GrantPermission = "authenticated-read-write"
)

// Valid reports whether g is a known grant permission.
func (g GrantPermission) Valid() bool {
	return g == GrantRead || g == GrantReadWrite
}

// Allows reports whether the grant covers action. The check is a prefix
// match on "authenticated-<action>", so a read-write grant also covers read.
func (g GrantPermission) Allows(action Action) bool {
	return strings.HasPrefix(string(g), "authenticated-"+string(action))
}

// ObjectType distinguishes files from directory markers.
type ObjectType string

const (
	TypeFile      ObjectType = "file"
	TypeDirectory ObjectType = "directory"
)

// QuotaKind is the kind of a principal quota.
type QuotaKind string

const (
	// QuotaBandwidth is a download ceiling in MiB/s.
	QuotaBandwidth QuotaKind = "bandwidth"
	// QuotaCapacity is a storage allowance in GiB.
	QuotaCapacity QuotaKind = "capacity"
)

// GrantScope selects the bucket or object grant table.
type GrantScope string

const (
	ScopeBucket GrantScope = "bucket"
	ScopeObject GrantScope = "object"
)

// BucketRecord is the catalog row for a bucket.
type BucketRecord struct {
	ID             int64
	Name           string
	Owner          string
	Region         string
	Permission     Permission
	VersionControl bool
	Backup         bool
	ReadOnly       bool
	// PID is the id of the bucket this one mirrors, or 0.
	PID       int64
	CreatedAt time.Time
}

// IsBackup reports whether the bucket is a backup mirror.
func (b *BucketRecord) IsBackup() bool { return b.PID > 0 }

// ObjectRecord is the catalog row for a file or directory marker.
type ObjectRecord struct {
	ID         int64
	BucketID   int64
	Type       ObjectType
	Name       string
	Root       string
	Key        string
	FileSize   int64
	MD5        string
	ETag       string
	VersionID  string
	Permission Permission
	Owner      string
	UploadedAt time.Time
}

// IsDir reports whether the record is a directory marker.
func (o *ObjectRecord) IsDir() bool { return o.Type == TypeDirectory }

// Path returns root+name, the prefix under which a directory's children live.
func (o *ObjectRecord) Path() string { return o.Root + o.Name }

// GrantRecord is an ACL grant on a bucket or an object.
type GrantRecord struct {
	ID         int64
	ResourceID int64
	Grantee    string
	Permission GrantPermission
	CreatedAt  time.Time
}

// PrincipalRecord is the part of a user identity the pipeline needs.
type PrincipalRecord struct {
	Username  string
	ParentUID string
	RootUID   string
	Active    bool
	CreatedAt time.Time
}

// QuotaRecord is a time-boxed quota value for a principal.
type QuotaRecord struct {
	Owner        string
	Kind         QuotaKind
	Value        int64
	StartTime    time.Time
	DurationDays int
}

// ExpiresAt returns the instant the quota stops being valid.
func (q *QuotaRecord) ExpiresAt() time.Time {
	return q.StartTime.Add(time.Duration(q.DurationDays) * 24 * time.Hour)
}

// ValidAt reports whether now falls before start_time + duration_days.
func (q *QuotaRecord) ValidAt(now time.Time) bool {
	return q != nil && now.Before(q.ExpiresAt())
}

// AccessKeyRecord is a key pair accepted as query parameters on object routes.
type AccessKeyRecord struct {
	AccessKey string
	SecretKey string
	Owner     string
	// AllowIP is "*" or a single client address.
	AllowIP   string
	Active    bool
	CreatedAt time.Time
}

// Page selects a 1-based page of a listing.
type Page struct {
	Number int
	Size   int
}

// MaxPageSize caps every paginated listing.
const MaxPageSize = 20

// Normalize clamps the page to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 || p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Size }

// Store defines every catalog operation used by ossgate. Getters return
// (nil, nil) when the row does not exist. Implementations must be safe for
// concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the catalog.
	Ping(ctx context.Context) error

	// Bucket operations

	// CreateBucket inserts a bucket and sets its ID.
	CreateBucket(ctx context.Context, b *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	GetBucketByID(ctx context.Context, id int64) (*BucketRecord, error)
	// GetBackupBucket returns the bucket whose pid is sourceID.
	GetBackupBucket(ctx context.Context, sourceID int64) (*BucketRecord, error)
	// ListBuckets returns the buckets owned by or granted to owner, newest
	// first, excluding backup buckets, and the total count.
	ListBuckets(ctx context.Context, owner string, page Page) ([]BucketRecord, int, error)
	// ListBackedUpBuckets returns every bucket with backup enabled.
	ListBackedUpBuckets(ctx context.Context) ([]BucketRecord, error)
	UpdateBucket(ctx context.Context, b *BucketRecord) error
	// DeleteBucket removes a bucket row together with its grants.
	DeleteBucket(ctx context.Context, id int64) error

	// Object operations

	// CreateObject inserts a new object row and sets its ID.
	CreateObject(ctx context.Context, o *ObjectRecord) error
	// UpsertObject inserts or updates the row keyed on
	// (bucket_id, owner, key, version_id) and reports whether it was created.
	UpsertObject(ctx context.Context, o *ObjectRecord) (bool, error)
	// GetObject returns the newest row for key in the bucket.
	GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error)
	GetObjectByID(ctx context.Context, id int64) (*ObjectRecord, error)
	// ListObjects returns one path level, directories first then newest.
	ListObjects(ctx context.Context, bucketID int64, root string, page Page) ([]ObjectRecord, int, error)
	// ListObjectsByPrefix returns every object of owner whose root starts
	// with rootPrefix.
	ListObjectsByPrefix(ctx context.Context, bucketID int64, owner, rootPrefix string) ([]ObjectRecord, error)
	// ListObjectsByKey returns every row (all versions and owners) for key.
	ListObjectsByKey(ctx context.Context, bucketID int64, key string) ([]ObjectRecord, error)
	ListAllObjects(ctx context.Context, bucketID int64) ([]ObjectRecord, error)
	UpdateObjectPermission(ctx context.Context, id int64, perm Permission) error
	DeleteObject(ctx context.Context, id int64) error

	// Grant operations

	// PutGrant creates the grant or, when one exists for the same resource
	// and grantee, updates its permission. It sets g.ID either way.
	PutGrant(ctx context.Context, scope GrantScope, g *GrantRecord) error
	GetGrant(ctx context.Context, scope GrantScope, id int64) (*GrantRecord, error)
	ListGrants(ctx context.Context, scope GrantScope, resourceID int64) ([]GrantRecord, error)
	DeleteGrant(ctx context.Context, scope GrantScope, id int64) error

	// Identity operations

	GetPrincipal(ctx context.Context, username string) (*PrincipalRecord, error)
	PutPrincipal(ctx context.Context, p *PrincipalRecord) error
	GetQuota(ctx context.Context, owner string, kind QuotaKind) (*QuotaRecord, error)
	PutQuota(ctx context.Context, q *QuotaRecord) error
	GetAccessKey(ctx context.Context, accessKey string) (*AccessKeyRecord, error)
	PutAccessKey(ctx context.Context, k *AccessKeyRecord) error
}
