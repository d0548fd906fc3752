package throttle

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/storage"
)

type fixture struct {
	store   *catalog.SQLiteStore
	backend *storage.MemoryBackend
	th      *Throttle
	bucket  *catalog.BucketRecord

	clock  time.Time
	sleeps []time.Duration
}

func newFixture(t *testing.T, perm catalog.Permission) *fixture {
	t.Helper()
	store, err := catalog.NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := storage.NewMemoryBackend()
	regions := storage.NewRegistry()
	regions.Add(storage.Region{ID: "primary", Type: "memory", Enabled: true}, backend)

	ctx := context.Background()
	b := &catalog.BucketRecord{Name: "media", Owner: "u1", Region: "primary", Permission: perm}
	require.NoError(t, store.CreateBucket(ctx, b))
	require.NoError(t, backend.CreateBucket(ctx, b.Name))

	f := &fixture{
		store:   store,
		backend: backend,
		bucket:  b,
		th:      New(store, regions, authz.NewResolver(store), 1, MiB),
		clock:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	f.th.now = func() time.Time { return f.clock }
	f.th.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		f.clock = f.clock.Add(d)
		return nil
	}
	return f
}

func (f *fixture) put(t *testing.T, key string, data []byte, perm catalog.Permission) {
	t.Helper()
	ctx := context.Background()
	res, err := storage.UploadChunked(ctx, f.backend, f.bucket.Name, key, "", bytes.NewReader(data), 0)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateObject(ctx, &catalog.ObjectRecord{
		BucketID: f.bucket.ID, Type: catalog.TypeFile, Name: key, Key: key,
		FileSize: res.Size, MD5: res.MD5, Owner: "u1", Permission: perm,
	}))
}

func (f *fixture) total() time.Duration {
	var d time.Duration
	for _, s := range f.sleeps {
		d += s
	}
	return d
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}

func TestDownloadAtMinimumBandwidth(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	data := randomBytes(5 * MiB)
	f.put(t, "movie.bin", data, catalog.PermPrivate)

	tr, err := f.th.Open(context.Background(), "u1", "media", "movie.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Bandwidth)

	var out bytes.Buffer
	n, err := tr.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, md5.Sum(data), md5.Sum(out.Bytes()))

	// Five 1 MiB windows at 1 MiB/s: at least four seconds.
	assert.Len(t, f.sleeps, 4)
	assert.GreaterOrEqual(t, f.total(), 4*time.Second)
	assert.Equal(t, 5, f.backend.Calls(storage.OpGetRange))
}

func TestDownloadUsesValidQuota(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	ctx := context.Background()
	f.put(t, "movie.bin", randomBytes(5*MiB), catalog.PermPrivate)
	require.NoError(t, f.store.PutQuota(ctx, &catalog.QuotaRecord{
		Owner: "u1", Kind: catalog.QuotaBandwidth, Value: 2, StartTime: f.clock.Add(-time.Hour), DurationDays: 30,
	}))

	tr, err := f.th.Open(ctx, "u1", "media", "movie.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tr.Bandwidth)

	_, err = tr.WriteTo(&bytes.Buffer{})
	require.NoError(t, err)
	assert.Len(t, f.sleeps, 2)
}

func TestDownloadExpiredQuotaFallsBackToMinimum(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	ctx := context.Background()
	f.put(t, "a.bin", randomBytes(10), catalog.PermPrivate)
	require.NoError(t, f.store.PutQuota(ctx, &catalog.QuotaRecord{
		Owner: "u1", Kind: catalog.QuotaBandwidth, Value: 50, StartTime: f.clock.AddDate(0, -2, 0), DurationDays: 30,
	}))

	tr, err := f.th.Open(ctx, "u1", "media", "a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Bandwidth)
}

func TestDownloadAnonymousPublicObject(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	data := []byte("hello world")
	f.put(t, "pub.txt", data, catalog.PermPublicRead)

	tr, err := f.th.Open(context.Background(), authz.Anonymous, "media", "pub.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Bandwidth)

	var out bytes.Buffer
	_, err = tr.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
	assert.Empty(t, f.sleeps)

	h := http.Header{}
	tr.SetHeaders(h)
	assert.Equal(t, "application/octet-stream", h.Get("Content-Type"))
	assert.Equal(t, `attachment;filename="pub.txt"`, h.Get("Content-Disposition"))
	assert.Equal(t, "11", h.Get("Content-Length"))
}

func TestOpenRejections(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	ctx := context.Background()
	f.put(t, "secret.txt", []byte("x"), catalog.PermPrivate)
	require.NoError(t, f.store.CreateObject(ctx, &catalog.ObjectRecord{
		BucketID: f.bucket.ID, Type: catalog.TypeDirectory, Name: "dir/", Key: "dir/", Owner: "u1", Permission: catalog.PermPrivate,
	}))

	tests := []struct {
		name   string
		actor  string
		bucket string
		key    string
		kind   apperr.Kind
	}{
		{"missing key param", "u1", "media", "", apperr.KindValidation},
		{"no bucket", "u1", "ghost", "secret.txt", apperr.KindNotFound},
		{"no object", "u1", "media", "nope", apperr.KindNotFound},
		{"stranger", "u2", "media", "secret.txt", apperr.KindDenied},
		{"anonymous", authz.Anonymous, "media", "secret.txt", apperr.KindDenied},
		{"directory", "u1", "media", "dir/", apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.th.Open(ctx, tt.actor, tt.bucket, tt.key)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestDownloadStopsWhenContextCancelled(t *testing.T) {
	f := newFixture(t, catalog.PermPrivate)
	f.th.sleep = sleepCtx
	f.put(t, "movie.bin", randomBytes(3*MiB), catalog.PermPrivate)

	ctx, cancel := context.WithCancel(context.Background())
	tr, err := f.th.Open(ctx, "u1", "media", "movie.bin")
	require.NoError(t, err)
	cancel()

	n, err := tr.WriteTo(&bytes.Buffer{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int64(MiB), n)
}

func TestDownloadWallClockLowerBound(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps in real time")
	}
	f := newFixture(t, catalog.PermPrivate)
	f.th.now = time.Now
	f.th.sleep = sleepCtx
	f.put(t, "movie.bin", randomBytes(2*MiB), catalog.PermPrivate)

	tr, err := f.th.Open(context.Background(), "u1", "media", "movie.bin")
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.WriteTo(&bytes.Buffer{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestSleepCtxReturnsAfterDuration(t *testing.T) {
	start := time.Now()
	require.NoError(t, sleepCtx(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
