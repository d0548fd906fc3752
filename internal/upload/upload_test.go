package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/storage"
)

type recordingReplicator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingReplicator) Replicate(ctx context.Context, b *catalog.BucketRecord, o *catalog.ObjectRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, o.Key)
}

type fixture struct {
	store   *catalog.SQLiteStore
	backend *storage.MemoryBackend
	repl    *recordingReplicator
	c       *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := catalog.NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := storage.NewMemoryBackend()
	regions := storage.NewRegistry()
	regions.Add(storage.Region{ID: "primary", Type: "memory", Enabled: true}, backend)

	repl := &recordingReplicator{}
	return &fixture{
		store:   store,
		backend: backend,
		repl:    repl,
		c:       NewCoordinator(store, regions, authz.NewResolver(store), repl, storage.DefaultChunkSize),
	}
}

func (f *fixture) bucket(t *testing.T, b catalog.BucketRecord) *catalog.BucketRecord {
	t.Helper()
	ctx := context.Background()
	if b.Owner == "" {
		b.Owner = "u1"
	}
	if b.Permission == "" {
		b.Permission = catalog.PermPrivate
	}
	b.Region = "primary"
	require.NoError(t, f.store.CreateBucket(ctx, &b))
	require.NoError(t, f.backend.CreateBucket(ctx, b.Name))
	if b.VersionControl {
		require.NoError(t, f.backend.EnableVersioning(ctx, b.Name))
	}
	return &b
}

func (f *fixture) folder(t *testing.T, bucket, path, name string) *catalog.ObjectRecord {
	t.Helper()
	dir, err := f.c.CreateFolder(context.Background(), FolderRequest{Actor: "u1", BucketName: bucket, Path: path, FolderName: name})
	require.NoError(t, err)
	return dir
}

func TestUploadTwelveMiBInThreeParts(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, catalog.BucketRecord{Name: "data"})
	f.folder(t, "data", "", "docs")

	data := bytes.Repeat([]byte("0123456789abcdef"), 12*1024*1024/16)
	res, err := f.c.Upload(context.Background(), Request{
		Actor: "u1", BucketName: "data", Path: "docs,", Filename: "big.bin", Body: bytes.NewReader(data),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Parts)
	assert.Equal(t, 3, f.backend.Calls(storage.OpUploadPart))
	assert.True(t, res.Created)

	sum := md5.Sum(data)
	obj := res.Object
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.MD5)
	assert.Equal(t, int64(len(data)), obj.FileSize)
	assert.Equal(t, "docs/big.bin", obj.Key)
	assert.Equal(t, "docs/", obj.Root)
	assert.Equal(t, catalog.PermPrivate, obj.Permission, "inherits bucket visibility")
	assert.Equal(t, "u1", obj.Owner)

	stored, ok := f.backend.Object("data", "docs/big.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	rows, err := f.store.ListObjectsByKey(context.Background(), b.ID, "docs/big.bin")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Empty(t, f.repl.keys)
}

func TestUploadOverwriteUpdatesRow(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, catalog.BucketRecord{Name: "data"})
	ctx := context.Background()

	_, err := f.c.Upload(ctx, Request{Actor: "u1", BucketName: "data", Filename: "a.txt", Body: strings.NewReader("one")})
	require.NoError(t, err)
	res, err := f.c.Upload(ctx, Request{Actor: "u1", BucketName: "data", Filename: "a.txt", Body: strings.NewReader("two")})
	require.NoError(t, err)
	assert.False(t, res.Created)

	rows, err := f.store.ListObjectsByKey(ctx, b.ID, "a.txt")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].FileSize)
}

func TestUploadVersionedBucketStampsKeys(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, catalog.BucketRecord{Name: "history", VersionControl: true})
	ctx := context.Background()

	first, err := f.c.Upload(ctx, Request{Actor: "u1", BucketName: "history", Filename: "a.txt", Body: strings.NewReader("one")})
	require.NoError(t, err)
	second, err := f.c.Upload(ctx, Request{Actor: "u1", BucketName: "history", Filename: "a.txt", Body: strings.NewReader("two")})
	require.NoError(t, err)

	keyRE := regexp.MustCompile(`^\d+_a\.txt$`)
	assert.Regexp(t, keyRE, first.Object.Key)
	assert.Regexp(t, keyRE, second.Object.Key)
	assert.NotEqual(t, first.Object.Key, second.Object.Key)
	assert.Equal(t, "a.txt", first.Object.Name)
	assert.NotEmpty(t, first.Object.VersionID)

	all, err := f.store.ListAllObjects(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUploadValidationBeforeBackend(t *testing.T) {
	f := newFixture(t)
	f.bucket(t, catalog.BucketRecord{Name: "data"})
	f.bucket(t, catalog.BucketRecord{Name: "mirror", ReadOnly: true})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		kind apperr.Kind
	}{
		{"empty filename", Request{Actor: "u1", BucketName: "data"}, apperr.KindValidation},
		{"comma", Request{Actor: "u1", BucketName: "data", Filename: "a,b"}, apperr.KindValidation},
		{"slash", Request{Actor: "u1", BucketName: "data", Filename: "a/b"}, apperr.KindValidation},
		{"backslash", Request{Actor: "u1", BucketName: "data", Filename: `a\b`}, apperr.KindValidation},
		{"too long", Request{Actor: "u1", BucketName: "data", Filename: strings.Repeat("x", 1025)}, apperr.KindValidation},
		{"bad permission", Request{Actor: "u1", BucketName: "data", Filename: "a", Permission: "everyone"}, apperr.KindValidation},
		{"missing path", Request{Actor: "u1", BucketName: "data", Filename: "a", Path: "nope/"}, apperr.KindValidation},
		{"no bucket", Request{Actor: "u1", BucketName: "ghost", Filename: "a"}, apperr.KindNotFound},
		{"read only", Request{Actor: "u1", BucketName: "mirror", Filename: "a"}, apperr.KindDenied},
		{"stranger", Request{Actor: "u2", BucketName: "data", Filename: "a"}, apperr.KindDenied},
		{"anonymous", Request{BucketName: "data", Filename: "a"}, apperr.KindDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Body = strings.NewReader("payload")
			_, err := f.c.Upload(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.backend.Calls(storage.OpCreateMultipart))

	e := apperr.As(mustErr(f.c.Upload(ctx, Request{Actor: "u1", BucketName: "data", Filename: "a/b", Body: strings.NewReader("")})))
	assert.Equal(t, "file", e.Field)
}

func mustErr(_ *Result, err error) error { return err }

func TestUploadPublicReadWriteOwnedByBucketOwner(t *testing.T) {
	f := newFixture(t)
	f.bucket(t, catalog.BucketRecord{Name: "dropbox", Permission: catalog.PermPublicReadWrite})

	res, err := f.c.Upload(context.Background(), Request{BucketName: "dropbox", Filename: "anon.txt",
		Body: strings.NewReader("hi"), Permission: catalog.PermPublicRead})
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Object.Owner)
	assert.Equal(t, catalog.PermPublicRead, res.Object.Permission)
	assert.Equal(t, storage.ACLPublicRead, f.backend.ObjectACL("dropbox", "anon.txt"))
}

func TestUploadAuthenticatedPermissionSendsNoACL(t *testing.T) {
	f := newFixture(t)
	f.bucket(t, catalog.BucketRecord{Name: "data"})

	_, err := f.c.Upload(context.Background(), Request{Actor: "u1", BucketName: "data", Filename: "a.txt",
		Body: strings.NewReader("hi"), Permission: catalog.PermAuthenticated})
	require.NoError(t, err)
	assert.Empty(t, f.backend.ObjectACL("data", "a.txt"))
}

func TestUploadBackendFailureAborts(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, catalog.BucketRecord{Name: "data"})
	f.backend.Fault = func(op, bucket, key string) error {
		if op == storage.OpUploadPart {
			return apperr.New(apperr.KindBackend, "SlowDown")
		}
		return nil
	}

	_, err := f.c.Upload(context.Background(), Request{Actor: "u1", BucketName: "data", Filename: "a.txt",
		Body: strings.NewReader("payload")})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBackend))
	assert.Equal(t, 1, f.backend.Calls(storage.OpAbort))
	assert.Zero(t, f.backend.OpenUploads())

	obj, err := f.store.GetObject(context.Background(), b.ID, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestUploadDispatchesReplicationForBackedUpBucket(t *testing.T) {
	f := newFixture(t)
	f.bucket(t, catalog.BucketRecord{Name: "data", Backup: true})

	_, err := f.c.Upload(context.Background(), Request{Actor: "u1", BucketName: "data", Filename: "a.txt",
		Body: strings.NewReader("payload")})
	require.NoError(t, err)
	f.folder(t, "data", "", "pics")
	assert.Equal(t, []string{"a.txt", "pics/"}, f.repl.keys)
}

func TestCreateFolder(t *testing.T) {
	f := newFixture(t)
	b := f.bucket(t, catalog.BucketRecord{Name: "data"})
	ctx := context.Background()

	top := f.folder(t, "data", "", "photos")
	assert.Equal(t, "photos/", top.Key)
	assert.Equal(t, "photos/", top.Name)
	assert.True(t, top.IsDir())

	nested := f.folder(t, "data", "photos,", "2024")
	assert.Equal(t, "photos/2024/", nested.Key)
	assert.Equal(t, "photos/", nested.Root)

	got, err := f.store.GetObject(ctx, b.ID, "photos/2024/")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, f.backend.Calls(storage.OpCreateMultipart), "folders are catalog only")

	tests := []struct {
		name string
		req  FolderRequest
		kind apperr.Kind
	}{
		{"bad name", FolderRequest{Actor: "u1", BucketName: "data", FolderName: "a b"}, apperr.KindValidation},
		{"leading slash", FolderRequest{Actor: "u1", BucketName: "data", Path: "/photos/", FolderName: "x"}, apperr.KindValidation},
		{"no trailing slash", FolderRequest{Actor: "u1", BucketName: "data", Path: "photos", FolderName: "x"}, apperr.KindValidation},
		{"missing parent", FolderRequest{Actor: "u1", BucketName: "data", Path: "videos/", FolderName: "x"}, apperr.KindValidation},
		{"duplicate", FolderRequest{Actor: "u1", BucketName: "data", FolderName: "photos"}, apperr.KindValidation},
		{"stranger", FolderRequest{Actor: "u2", BucketName: "data", FolderName: "x"}, apperr.KindDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.CreateFolder(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	han, err := f.c.CreateFolder(ctx, FolderRequest{Actor: "u1", BucketName: "data", FolderName: "照片"})
	require.NoError(t, err)
	assert.Equal(t, "照片/", han.Key)
}

func TestCreateFolderNameLength(t *testing.T) {
	f := newFixture(t)
	f.bucket(t, catalog.BucketRecord{Name: "data"})
	ctx := context.Background()

	longest := strings.Repeat("a", MaxFolderNameLen)
	dir, err := f.c.CreateFolder(ctx, FolderRequest{Actor: "u1", BucketName: "data", FolderName: longest})
	require.NoError(t, err)
	assert.Equal(t, longest+"/", dir.Key)

	_, err = f.c.CreateFolder(ctx, FolderRequest{Actor: "u1", BucketName: "data", FolderName: longest + "b"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	han, err := f.c.CreateFolder(ctx, FolderRequest{Actor: "u1", BucketName: "data", FolderName: strings.Repeat("照", MaxFolderNameLen)})
	require.NoError(t, err, "the limit counts characters, not bytes")
	assert.True(t, han.IsDir())
}
