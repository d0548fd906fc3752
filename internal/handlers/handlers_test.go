package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossgate/ossgate/internal/auth"
	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/cascade"
	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/replication"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/throttle"
	"github.com/ossgate/ossgate/internal/upload"
)

const actorHeader = "X-Test-Actor"

func TestMain(m *testing.M) {
	huma.NewError = NewAPIError
	os.Exit(m.Run())
}

type recordingBackfill struct {
	mu      sync.Mutex
	buckets []string
}

func (r *recordingBackfill) ReconcileBucket(ctx context.Context, src *catalog.BucketRecord) (replication.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = append(r.buckets, src.Name)
	return replication.Report{Buckets: 1}, nil
}

type env struct {
	store     *catalog.SQLiteStore
	primary   *storage.MemoryBackend
	secondary *storage.MemoryBackend
	backfill  *recordingBackfill
	router    chi.Router
	api       humatest.TestAPI
}

type envOptions struct {
	enforceCapacity bool
	maxUploadSize   int64
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	store, err := catalog.NewSQLiteStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &env{
		store:     store,
		primary:   storage.NewMemoryBackend(),
		secondary: storage.NewMemoryBackend(),
		backfill:  &recordingBackfill{},
	}
	regions := storage.NewRegistry()
	regions.Add(storage.Region{ID: "primary", Name: "Primary", Type: "memory", Enabled: true}, e.primary)
	regions.Add(storage.Region{ID: "secondary", Name: "Secondary", Type: "memory", Enabled: true}, e.secondary)
	regions.Add(storage.Region{ID: "retired", Name: "Retired", Type: "memory"}, storage.NewMemoryBackend())

	resolver := authz.NewResolver(store)
	purger := cascade.New(store, regions, resolver, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if actor := req.Header.Get(actorHeader); actor != "" {
				req = req.WithContext(auth.ContextWithActor(req.Context(), actor, auth.MethodToken))
			}
			next.ServeHTTP(w, req)
		})
	})
	api := humachi.New(r, huma.DefaultConfig("ossgate test", "1.0.0"))

	NewBucketHandler(store, regions, purger, e.backfill, opts.enforceCapacity).Register(api)
	NewACLHandler(store, resolver).Register(api)
	NewObjectHandler(store, regions, resolver,
		upload.NewCoordinator(store, regions, resolver, nil, storage.DefaultChunkSize),
		throttle.New(store, regions, resolver, 100, 0),
		purger,
		opts.maxUploadSize,
	).Register(api, r)

	e.router = r
	e.api = humatest.Wrap(t, api)
	return e
}

func as(actor string) string { return actorHeader + ": " + actor }

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, w)["code"].(string)
	return code
}

func (e *env) principal(t *testing.T, p catalog.PrincipalRecord) {
	t.Helper()
	p.Active = true
	if p.RootUID == "" {
		p.RootUID = p.Username
	}
	require.NoError(t, e.store.PutPrincipal(context.Background(), &p))
}

func (e *env) createBucket(t *testing.T, actor, name string, perm catalog.Permission) int64 {
	t.Helper()
	w := e.api.Post("/api/buckets/bucket", as(actor), map[string]any{
		"name": name, "region": "primary", "permission": string(perm),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	return int64(data["bucket_id"].(float64))
}

func (e *env) upload(t *testing.T, actor string, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"bucket_name", "path", "permission"} {
		if v, ok := fields[name]; ok {
			require.NoError(t, mw.WriteField(name, v))
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/objects/upload_file", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	if actor != "" {
		r.Header.Set(actorHeader, actor)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func (e *env) download(actor, query string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/objects/download_file?"+query, nil)
	if actor != "" {
		r.Header.Set(actorHeader, actor)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func TestCreateBucket(t *testing.T) {
	e := newEnv(t, envOptions{})

	w := e.api.Post("/api/buckets/bucket", as("alice"), map[string]any{
		"name": "photos", "region": "primary", "permission": "public-read", "version_control": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 0, body["code"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "photos", data["name"])
	assert.Equal(t, "alice", data["owner"])
	assert.Equal(t, true, data["version_control"])

	assert.True(t, e.primary.HasBucket("photos"))
	assert.True(t, e.primary.Versioned("photos"))
	assert.Equal(t, "public-read", e.primary.BucketACL("photos"))

	tests := []struct {
		name   string
		actor  string
		body   map[string]any
		status int
		code   string
	}{
		{"duplicate", "alice", map[string]any{"name": "photos", "region": "primary", "permission": "private"}, http.StatusBadRequest, "ValidationError"},
		{"illegal name", "alice", map[string]any{"name": "Bad_Name", "region": "primary", "permission": "private"}, http.StatusBadRequest, "ValidationError"},
		{"unknown permission", "alice", map[string]any{"name": "other", "region": "primary", "permission": "everyone"}, http.StatusBadRequest, "ValidationError"},
		{"unknown region", "alice", map[string]any{"name": "other", "region": "mars", "permission": "private"}, http.StatusNotFound, "NotFound"},
		{"disabled region", "alice", map[string]any{"name": "other", "region": "retired", "permission": "private"}, http.StatusBadRequest, "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.api.Post("/api/buckets/bucket", as(tt.actor), tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errCode(t, w))
		})
	}

	t.Run("anonymous", func(t *testing.T) {
		w := e.api.Post("/api/buckets/bucket", map[string]any{"name": "anon", "region": "primary", "permission": "private"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Unauthenticated", errCode(t, w))
	})
}

func TestCreateBucketCapacity(t *testing.T) {
	e := newEnv(t, envOptions{enforceCapacity: true})
	require.NoError(t, e.store.PutQuota(context.Background(), &catalog.QuotaRecord{
		Owner: "alice", Kind: catalog.QuotaCapacity, Value: 5,
		StartTime: time.Now().Add(-time.Hour), DurationDays: 30,
	}))

	e.createBucket(t, "alice", "granted", catalog.PermPrivate)

	w := e.api.Post("/api/buckets/bucket", as("bob"), map[string]any{"name": "denied", "region": "primary", "permission": "private"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "capacity", decode(t, w)["field"])
	assert.False(t, e.primary.HasBucket("denied"))
}

func TestListBuckets(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.principal(t, catalog.PrincipalRecord{Username: "alice"})
	e.principal(t, catalog.PrincipalRecord{Username: "bob", ParentUID: "alice", RootUID: "alice"})

	e.createBucket(t, "bob", "bobs", catalog.PermPrivate)
	shared := e.createBucket(t, "alice", "shared", catalog.PermAuthenticated)
	e.createBucket(t, "alice", "hidden", catalog.PermPrivate)

	w := e.api.Post("/api/buckets/acl", as("alice"), map[string]any{
		"bucket_id": shared, "username": "bob", "permission": "authenticated-read",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.api.Get("/api/buckets/bucket?page=1&size=10", as("bob"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	var names []string
	for _, b := range body["data"].([]any) {
		names = append(names, b.(map[string]any)["name"].(string))
	}
	assert.ElementsMatch(t, []string{"bobs", "shared"}, names)
	info := body["page_info"].(map[string]any)
	assert.EqualValues(t, 2, info["record_count"])
	assert.EqualValues(t, 10, info["page_size"])

	w = e.api.Get("/api/buckets/bucket")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.api.Get("/api/buckets/bucket?size=50", as("bob"))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "ValidationError", errCode(t, w))
}

func TestQueryExistAndRegions(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.createBucket(t, "alice", "taken", catalog.PermPrivate)

	w := e.api.Get("/api/buckets/query_exist?name=taken", as("bob"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["exist"])

	w = e.api.Get("/api/buckets/query_exist?name=free", as("bob"))
	assert.Equal(t, false, decode(t, w)["exist"])

	w = e.api.Get("/api/buckets/region", as("bob"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode(t, w)["data"], 3)
}

func TestBucketPermission(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.createBucket(t, "alice", "site", catalog.PermPrivate)

	w := e.api.Put("/api/buckets/set_perm", as("alice"), map[string]any{"bucket_id": id, "permission": "public-read"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "public-read", e.primary.BucketACL("site"))

	w = e.api.Get("/api/buckets/query_perm?bucket_id="+itoa(id), as("alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "public-read", decode(t, w)["permission"])

	// Only the owner may read a bucket's visibility, even a public one.
	w = e.api.Get("/api/buckets/query_perm?bucket_id="+itoa(id), as("mallory"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.api.Get("/api/buckets/query_perm?bucket_id=" + itoa(id))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.api.Put("/api/buckets/set_perm", as("mallory"), map[string]any{"bucket_id": id, "permission": "public-read-write"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AuthorizationDenied", errCode(t, w))

	w = e.api.Put("/api/buckets/set_perm", as("alice"), map[string]any{"bucket_id": id, "permission": "authenticated"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private", e.primary.BucketACL("site"))
}

func TestAnonymousCannotManagePublicReadWrite(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.principal(t, catalog.PrincipalRecord{Username: "alice"})
	e.principal(t, catalog.PrincipalRecord{Username: "bob", ParentUID: "alice", RootUID: "alice"})
	id := e.createBucket(t, "alice", "commons", catalog.PermPublicReadWrite)

	w := e.upload(t, "alice", map[string]string{"bucket_name": "commons"}, "notes.txt", []byte("notes"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	objID := decode(t, w)["data"].(map[string]any)["obj_id"]

	w = e.api.Post("/api/buckets/acl", as("alice"), map[string]any{"bucket_id": id, "username": "bob", "permission": "authenticated-read"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bucketGrant := itoa(int64(decode(t, w)["data"].(map[string]any)["acl_id"].(float64)))
	w = e.api.Post("/api/objects/acl", as("alice"), map[string]any{"obj_id": objID, "username": "bob", "permission": "authenticated-read"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	objectGrant := itoa(int64(decode(t, w)["data"].(map[string]any)["acl_id"].(float64)))
	objIDStr := itoa(int64(objID.(float64)))

	tests := []struct {
		name string
		call func() *httptest.ResponseRecorder
	}{
		{"set bucket perm", func() *httptest.ResponseRecorder {
			return e.api.Put("/api/buckets/set_perm", map[string]any{"bucket_id": id, "permission": "private"})
		}},
		{"query bucket perm", func() *httptest.ResponseRecorder {
			return e.api.Get("/api/buckets/query_perm?bucket_id=" + itoa(id))
		}},
		{"set object perm", func() *httptest.ResponseRecorder {
			return e.api.Put("/api/objects/set_perm", map[string]any{"obj_id": objID, "permission": "private"})
		}},
		{"query object perm", func() *httptest.ResponseRecorder {
			return e.api.Get("/api/objects/query_perm?obj_id=" + objIDStr)
		}},
		{"list bucket grants", func() *httptest.ResponseRecorder {
			return e.api.Get("/api/buckets/acl?bucket_id=" + itoa(id))
		}},
		{"revoke bucket grant", func() *httptest.ResponseRecorder {
			return e.api.Delete("/api/buckets/acl?acl_bid=" + bucketGrant)
		}},
		{"list object grants", func() *httptest.ResponseRecorder {
			return e.api.Get("/api/objects/acl?obj_id=" + objIDStr)
		}},
		{"revoke object grant", func() *httptest.ResponseRecorder {
			return e.api.Delete("/api/objects/acl?acl_oid=" + objectGrant)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.call()
			assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
			assert.Equal(t, "Unauthenticated", errCode(t, w))
		})
	}

	assert.Equal(t, "public-read-write", e.primary.BucketACL("commons"))
	b, err := e.store.GetBucketByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, catalog.PermPublicReadWrite, b.Permission)

	grants, err := e.store.ListGrants(context.Background(), catalog.ScopeBucket, id)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	grants, err = e.store.ListGrants(context.Background(), catalog.ScopeObject, int64(objID.(float64)))
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestBackupBucketPermissionIsReadOnly(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.createBucket(t, "alice", "origin", catalog.PermPrivate)

	w := e.api.Put("/api/buckets/bucket", as("alice"), map[string]any{"bucket_id": id, "region": "secondary"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	mirror := decode(t, w)["data"].(map[string]any)
	mirrorID := int64(mirror["bucket_id"].(float64))
	name := mirror["name"].(string)
	before := e.secondary.BucketACL(name)

	w = e.api.Put("/api/buckets/set_perm", as("alice"), map[string]any{"bucket_id": mirrorID, "permission": "public-read"})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "AuthorizationDenied", errCode(t, w))
	assert.Equal(t, before, e.secondary.BucketACL(name))

	got, err := e.store.GetBucketByID(context.Background(), mirrorID)
	require.NoError(t, err)
	assert.Equal(t, catalog.PermPrivate, got.Permission)
}

func TestEnableBackupAndDelete(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.createBucket(t, "alice", "vault", catalog.PermPrivate)

	w := e.api.Put("/api/buckets/bucket", as("bob"), map[string]any{"bucket_id": id, "region": "secondary"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.api.Put("/api/buckets/bucket", as("alice"), map[string]any{"bucket_id": id, "region": "secondary"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	mirror := decode(t, w)["data"].(map[string]any)
	name := mirror["name"].(string)
	assert.Regexp(t, `^vault-[a-z0-9]{8}-backup$`, name)
	assert.Equal(t, true, mirror["read_only"])
	assert.EqualValues(t, id, mirror["pid"])
	assert.True(t, e.secondary.HasBucket(name))
	assert.Equal(t, []string{"vault"}, e.backfill.buckets)

	src, err := e.store.GetBucketByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, src.Backup)

	w = e.api.Put("/api/buckets/bucket", as("alice"), map[string]any{"bucket_id": id, "region": "secondary"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Backup buckets never show up in listings.
	w = e.api.Get("/api/buckets/bucket", as("alice"))
	assert.Len(t, decode(t, w)["data"], 1)

	mirrorID := int64(mirror["bucket_id"].(float64))
	w = e.api.Delete("/api/buckets/bucket?bucket_id="+itoa(mirrorID), as("alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, e.secondary.HasBucket(name))

	src, err = e.store.GetBucketByID(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, src.Backup)
}

func TestDeleteBucketPurgesObjects(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.createBucket(t, "alice", "trash", catalog.PermPrivate)

	w := e.api.Post("/api/objects/create_folder", as("alice"), map[string]any{"bucket_name": "trash", "folder_name": "docs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.upload(t, "alice", map[string]string{"bucket_name": "trash", "path": "docs/"}, "a.txt", []byte("aaa"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.api.Delete("/api/buckets/bucket?bucket_id="+itoa(id), as("bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.api.Delete("/api/buckets/bucket?bucket_id="+itoa(id), as("alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, e.primary.HasBucket("trash"))

	b, err := e.store.GetBucketByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestObjectLifecycle(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.createBucket(t, "alice", "files", catalog.PermPrivate)

	w := e.api.Post("/api/objects/create_folder", as("alice"), map[string]any{"bucket_name": "files", "folder_name": "docs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	folder := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "docs/", folder["key"])
	assert.Equal(t, "directory", folder["type"])

	content := []byte("hello, object store")
	w = e.upload(t, "alice", map[string]string{"bucket_name": "files", "path": "docs,"}, "hello.txt", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["new"])
	file := body["data"].(map[string]any)
	assert.Equal(t, "docs/hello.txt", file["key"])
	assert.EqualValues(t, len(content), file["file_size"])
	stored, ok := e.primary.Object("files", "docs/hello.txt")
	require.True(t, ok)
	assert.Equal(t, content, stored)

	w = e.upload(t, "alice", map[string]string{"bucket_name": "files", "path": "docs/"}, "hello.txt", []byte("second"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["new"])

	w = e.upload(t, "alice", map[string]string{"bucket_name": "files"}, "top.txt", []byte("top"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	t.Run("list root", func(t *testing.T) {
		w := e.api.Get("/api/objects/list_objects?bucket_name=files", as("alice"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		data := decode(t, w)["data"].([]any)
		require.Len(t, data, 2)
		assert.Equal(t, "docs/", data[0].(map[string]any)["key"])
		assert.Equal(t, "top.txt", data[1].(map[string]any)["key"])
	})

	t.Run("list folder", func(t *testing.T) {
		w := e.api.Get("/api/objects/list_objects?bucket_name=files&path=docs,", as("alice"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		data := decode(t, w)["data"].([]any)
		require.Len(t, data, 1)
		assert.Equal(t, "docs/hello.txt", data[0].(map[string]any)["key"])
	})

	t.Run("private listing", func(t *testing.T) {
		w := e.api.Get("/api/objects/list_objects?bucket_name=files")
		assert.Equal(t, http.StatusForbidden, w.Code)
		w = e.api.Get("/api/objects/list_objects?bucket_name=nope", as("alice"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("download", func(t *testing.T) {
		w := e.download("alice", "bucket_name=files&key=docs,hello.txt")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "second", w.Body.String())
		assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="hello.txt"`)

		w = e.download("", "bucket_name=files&key=docs/hello.txt")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "AuthorizationDenied", errCode(t, w))

		w = e.download("alice", "bucket_name=files&key=docs/")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	fileID := itoa(int64(file["obj_id"].(float64)))
	folderID := itoa(int64(folder["obj_id"].(float64)))

	t.Run("permissions", func(t *testing.T) {
		w := e.api.Put("/api/objects/set_perm", as("alice"), map[string]any{"obj_id": file["obj_id"], "permission": "public-read"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "public-read", e.primary.ObjectACL("files", "docs/hello.txt"))

		w = e.api.Get("/api/objects/query_perm?obj_id="+fileID, as("mallory"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "public-read", decode(t, w)["permission"])

		// A public-read file is downloadable by anyone.
		w = e.download("", "bucket_name=files&key=docs/hello.txt")
		assert.Equal(t, http.StatusOK, w.Code)

		w = e.api.Put("/api/objects/set_perm", as("alice"), map[string]any{"obj_id": folder["obj_id"], "permission": "public-read"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = e.api.Get("/api/objects/query_perm?obj_id="+folderID, as("alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = e.api.Put("/api/objects/set_perm", as("mallory"), map[string]any{"obj_id": file["obj_id"], "permission": "private"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("delete folder", func(t *testing.T) {
		w := e.api.Delete("/api/objects/delete?bucket_name=files&key=docs/", as("alice"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		deleted := decode(t, w)["deleted"].([]any)
		assert.ElementsMatch(t, []any{"docs/hello.txt", "docs/"}, deleted)
		_, ok := e.primary.Object("files", "docs/hello.txt")
		assert.False(t, ok)

		w = e.api.Get("/api/objects/list_objects?bucket_name=files", as("alice"))
		assert.Len(t, decode(t, w)["data"], 1)
	})
}

func TestUploadLocationEscapesKey(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.createBucket(t, "alice", "odd", catalog.PermPrivate)

	name := "q&a #1 100%.txt"
	w := e.upload(t, "alice", map[string]string{"bucket_name": "odd"}, name, []byte("answers"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/api/objects/download_file", loc.Path)
	assert.Equal(t, "odd", loc.Query().Get("bucket_name"))
	assert.Equal(t, name, loc.Query().Get("key"))

	w = e.download("alice", loc.RawQuery)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "answers", w.Body.String())
}

func TestUploadFileErrors(t *testing.T) {
	e := newEnv(t, envOptions{maxUploadSize: 1024})
	e.createBucket(t, "alice", "small", catalog.PermPrivate)

	r := httptest.NewRequest(http.MethodPost, "/api/objects/upload_file", bytes.NewReader([]byte("{}")))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(actorHeader, "alice")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.upload(t, "alice", map[string]string{"bucket_name": "small"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "file", decode(t, w)["field"])

	w = e.upload(t, "alice", map[string]string{"bucket_name": "small"}, "big.bin", bytes.Repeat([]byte("x"), 4096))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["message"], "exceeds the limit")

	w = e.upload(t, "alice", map[string]string{"bucket_name": "small"}, "bad,name.txt", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.upload(t, "bob", map[string]string{"bucket_name": "small"}, "ok.txt", []byte("x"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.upload(t, "alice", map[string]string{"bucket_name": "small", "path": "missing/"}, "ok.txt", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "path", decode(t, w)["field"])
}

func TestObjectGrants(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.principal(t, catalog.PrincipalRecord{Username: "alice"})
	e.principal(t, catalog.PrincipalRecord{Username: "bob", ParentUID: "alice", RootUID: "alice"})
	e.principal(t, catalog.PrincipalRecord{Username: "eve"})
	e.createBucket(t, "alice", "team", catalog.PermAuthenticated)

	w := e.upload(t, "alice", map[string]string{"bucket_name": "team"}, "plan.txt", []byte("plan"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	objID := decode(t, w)["data"].(map[string]any)["obj_id"]

	w = e.download("bob", "bucket_name=team&key=plan.txt")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.api.Post("/api/objects/acl", as("alice"), map[string]any{"obj_id": objID, "username": "eve", "permission": "authenticated-read"})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	w = e.api.Post("/api/objects/acl", as("alice"), map[string]any{"obj_id": objID, "username": "ghost", "permission": "authenticated-read"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.api.Post("/api/objects/acl", as("bob"), map[string]any{"obj_id": objID, "username": "bob", "permission": "authenticated-read"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.api.Post("/api/objects/acl", as("alice"), map[string]any{"obj_id": objID, "username": "bob", "permission": "authenticated-read"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	grantID := itoa(int64(decode(t, w)["data"].(map[string]any)["acl_id"].(float64)))

	w = e.download("bob", "bucket_name=team&key=plan.txt")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "plan", w.Body.String())

	w = e.api.Get("/api/objects/acl?obj_id="+itoa(int64(objID.(float64))), as("alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	grants := decode(t, w)["data"].([]any)
	require.Len(t, grants, 1)
	assert.Equal(t, "bob", grants[0].(map[string]any)["username"])

	// Read grantees cannot manage grants.
	w = e.api.Delete("/api/objects/acl?acl_oid="+grantID, as("bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.api.Delete("/api/objects/acl?acl_oid="+grantID, as("alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.api.Delete("/api/objects/acl?acl_oid="+grantID, as("alice"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.download("bob", "bucket_name=team&key=plan.txt")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestValidationUsesEnvelope(t *testing.T) {
	e := newEnv(t, envOptions{})

	w := e.api.Get("/api/objects/list_objects", as("alice"))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "ValidationError", body["code"])
	assert.Contains(t, body["field"], "bucket_name")

	w = e.api.Put("/api/objects/set_perm", as("alice"), map[string]any{"obj_id": 1, "permission": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "ValidationError", errCode(t, w))
}

func TestDownloadStreamsLargeObject(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.createBucket(t, "alice", "media", catalog.PermPublicRead)

	content := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	w := e.upload(t, "alice", map[string]string{"bucket_name": "media"}, "clip.bin", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.download("", "bucket_name=media&key=clip.bin")
	require.Equal(t, http.StatusOK, w.Code)
	got, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Equal(t, len(content), len(got))
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, itoa(int64(len(content))), w.Header().Get("Content-Length"))
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
