package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/cascade"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
	"github.com/ossgate/ossgate/internal/metrics"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/throttle"
	"github.com/ossgate/ossgate/internal/upload"
)

// ObjectHandler contains the object-level operations.
type ObjectHandler struct {
	store         catalog.Store
	regions       *storage.Registry
	resolver      *authz.Resolver
	uploads       *upload.Coordinator
	downloads     *throttle.Throttle
	deletes       *cascade.Cascade
	maxUploadSize int64
}

// NewObjectHandler creates an ObjectHandler. maxUploadSize caps the body of
// upload_file; zero disables the cap.
func NewObjectHandler(store catalog.Store, regions *storage.Registry, resolver *authz.Resolver, uploads *upload.Coordinator, downloads *throttle.Throttle, deletes *cascade.Cascade, maxUploadSize int64) *ObjectHandler {
	return &ObjectHandler{
		store:         store,
		regions:       regions,
		resolver:      resolver,
		uploads:       uploads,
		downloads:     downloads,
		deletes:       deletes,
		maxUploadSize: maxUploadSize,
	}
}

// Register adds the JSON object operations to api and mounts the streaming
// upload and download routes on r.
func (h *ObjectHandler) Register(api huma.API, r chi.Router) {
	tags := []string{"Objects"}
	huma.Register(api, huma.Operation{
		OperationID:   "create-folder",
		Method:        http.MethodPost,
		Path:          "/api/objects/create_folder",
		Summary:       "Create a directory",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, h.CreateFolder)
	huma.Register(api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/api/objects/list_objects",
		Summary:     "List one directory level of a bucket",
		Tags:        tags,
	}, h.ListObjects)
	huma.Register(api, huma.Operation{
		OperationID: "delete-object",
		Method:      http.MethodDelete,
		Path:        "/api/objects/delete",
		Summary:     "Delete a file, or a directory with everything under it",
		Tags:        tags,
	}, h.DeleteObject)
	huma.Register(api, huma.Operation{
		OperationID: "set-object-permission",
		Method:      http.MethodPut,
		Path:        "/api/objects/set_perm",
		Summary:     "Change the visibility of a file",
		Tags:        tags,
	}, h.SetPermission)
	huma.Register(api, huma.Operation{
		OperationID: "query-object-permission",
		Method:      http.MethodGet,
		Path:        "/api/objects/query_perm",
		Summary:     "Read the visibility of a file",
		Tags:        tags,
	}, h.QueryPermission)

	r.Put("/api/objects/upload_file", h.UploadFile)
	r.Post("/api/objects/upload_file", h.UploadFile)
	r.Get("/api/objects/download_file", h.DownloadFile)
}

// CreateFolderInput is the body of create-folder.
type CreateFolderInput struct {
	Body struct {
		BucketName string `json:"bucket_name"`
		Path       string `json:"path,omitempty" doc:"Parent directory ending with '/', or empty for the bucket root"`
		FolderName string `json:"folder_name"`
	}
}

// ObjectOutput returns a single object.
type ObjectOutput struct {
	Body struct {
		jsonutil.Envelope
		Data ObjectView `json:"data"`
	}
}

// CreateFolder records a directory marker.
func (h *ObjectHandler) CreateFolder(ctx context.Context, in *CreateFolderInput) (*ObjectOutput, error) {
	o, err := h.uploads.CreateFolder(ctx, upload.FolderRequest{
		Actor:      actorOf(ctx),
		BucketName: in.Body.BucketName,
		Path:       in.Body.Path,
		FolderName: in.Body.FolderName,
	})
	if err != nil {
		return nil, err
	}
	out := &ObjectOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = objectView(o)
	return out, nil
}

// ListObjectsInput is the query of list-objects.
type ListObjectsInput struct {
	BucketName string `query:"bucket_name" required:"true"`
	Path       string `query:"path"`
	PageParams
}

// ListObjectsOutput is a page of one directory level.
type ListObjectsOutput struct {
	Body struct {
		jsonutil.Envelope
		Data     []ObjectView `json:"data"`
		PageInfo PageInfo     `json:"page_info"`
	}
}

// ListObjects lists the objects whose root is path, directories first and
// then newest first.
func (h *ObjectHandler) ListObjects(ctx context.Context, in *ListObjectsInput) (*ListObjectsOutput, error) {
	b, err := h.store.GetBucket(ctx, in.BucketName)
	if err != nil {
		return nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, apperr.ErrNoSuchBucket.WithField("bucket_name")
	}
	if err := h.resolver.Authorize(ctx, actorOf(ctx), authz.BucketResource(b), catalog.ActionRead); err != nil {
		return nil, err
	}

	page := in.page()
	objects, total, err := h.store.ListObjects(ctx, b.ID, upload.NormalizePath(in.Path), page)
	if err != nil {
		return nil, apperr.Internal("listing objects", err)
	}

	out := &ListObjectsOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = make([]ObjectView, 0, len(objects))
	for i := range objects {
		out.Body.Data = append(out.Body.Data, objectView(&objects[i]))
	}
	out.Body.PageInfo = pageInfo(page, total)
	return out, nil
}

// DeleteObjectInput is the query of delete-object.
type DeleteObjectInput struct {
	BucketName string `query:"bucket_name" required:"true"`
	Key        string `query:"key" required:"true"`
}

// DeleteObjectOutput lists the removed keys.
type DeleteObjectOutput struct {
	Body struct {
		jsonutil.Envelope
		Deleted []string `json:"deleted"`
	}
}

// DeleteObject runs the deletion cascade. A partial failure is reported as
// an error listing the keys that remain.
func (h *ObjectHandler) DeleteObject(ctx context.Context, in *DeleteObjectInput) (*DeleteObjectOutput, error) {
	res, err := h.deletes.Delete(ctx, actorOf(ctx), in.BucketName, in.Key)
	if err != nil {
		return nil, err
	}
	out := &DeleteObjectOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Deleted = res.Deleted
	return out, nil
}

// SetObjectPermissionInput is the body of set-object-permission.
type SetObjectPermissionInput struct {
	Body struct {
		ObjectID   int64  `json:"obj_id"`
		Permission string `json:"permission" enum:"private,public-read,public-read-write,authenticated"`
	}
}

// SetPermission changes a file's visibility and pushes the matching canned
// ACL upstream. Directories have no upstream object and are refused.
func (h *ObjectHandler) SetPermission(ctx context.Context, in *SetObjectPermissionInput) (*StatusOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	perm := catalog.Permission(in.Body.Permission)
	if !perm.Valid() {
		return nil, apperr.Invalid("permission", "unknown permission %q", perm)
	}
	b, o, err := h.file(ctx, in.Body.ObjectID)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.Authorize(ctx, actor, authz.ObjectResource(b, o), catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	if b.ReadOnly {
		return nil, apperr.ErrReadOnly
	}

	backend, err := h.regions.Backend(b.Region)
	if err != nil {
		return nil, err
	}
	if err := backend.PutObjectACL(ctx, b.Name, o.Key, storage.VisibilityACL(perm)); err != nil {
		return nil, apperr.FromBackend("setting object acl", err)
	}
	if err := h.store.UpdateObjectPermission(ctx, o.ID, perm); err != nil {
		return nil, apperr.Internal("updating object", err)
	}
	return success(), nil
}

// QueryPermission returns a file's visibility to signed-in callers who may
// read it.
func (h *ObjectHandler) QueryPermission(ctx context.Context, in *ObjectIDInput) (*PermissionOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	b, o, err := h.file(ctx, in.ObjectID)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.Authorize(ctx, actor, authz.ObjectResource(b, o), catalog.ActionRead); err != nil {
		return nil, err
	}
	return permissionOutput(o.Permission), nil
}

// file loads a file object and its bucket by object id.
func (h *ObjectHandler) file(ctx context.Context, id int64) (*catalog.BucketRecord, *catalog.ObjectRecord, error) {
	o, err := h.store.GetObjectByID(ctx, id)
	if err != nil {
		return nil, nil, apperr.Internal("reading object", err)
	}
	if o == nil {
		return nil, nil, apperr.ErrNoSuchObject.WithField("obj_id")
	}
	if o.IsDir() {
		return nil, nil, apperr.ErrIsDirectory.WithField("obj_id")
	}
	b, err := h.store.GetBucketByID(ctx, o.BucketID)
	if err != nil {
		return nil, nil, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return nil, nil, apperr.ErrNoSuchBucket
	}
	return b, o, nil
}

// uploadResponse is the body of a successful upload.
type uploadResponse struct {
	Data ObjectView `json:"data"`
	New  bool       `json:"new"`
}

// UploadFile handles PUT and POST /api/objects/upload_file. The body is a
// multipart form streamed part by part: bucket_name, path and permission
// must precede the file part. They may also be given in the query string.
func (h *ObjectHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		jsonutil.WriteError(w, r, apperr.Invalid("file", "expected a multipart/form-data body: %v", err))
		return
	}

	q := r.URL.Query()
	req := upload.Request{
		Actor:      actorOf(ctx),
		BucketName: q.Get("bucket_name"),
		Path:       q.Get("path"),
		Permission: catalog.Permission(q.Get("permission")),
	}

	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			jsonutil.WriteError(w, r, uploadReadError(err))
			return
		}
		if p.FormName() == "file" {
			part = p
			break
		}
		value, err := io.ReadAll(io.LimitReader(p, 4096))
		p.Close()
		if err != nil {
			jsonutil.WriteError(w, r, uploadReadError(err))
			return
		}
		switch p.FormName() {
		case "bucket_name":
			req.BucketName = string(value)
		case "path":
			req.Path = string(value)
		case "permission":
			req.Permission = catalog.Permission(value)
		}
	}
	if part == nil || req.BucketName == "" {
		jsonutil.WriteError(w, r, apperr.Invalid("file", "some required field is missing"))
		return
	}
	defer part.Close()

	req.Filename = part.FileName()
	req.Body = part

	start := time.Now()
	res, err := h.uploads.Upload(ctx, req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = uploadReadError(maxErr)
		}
		metrics.TransfersTotal.WithLabelValues("upload", "error").Inc()
		jsonutil.WriteError(w, r, err)
		return
	}
	metrics.TransfersTotal.WithLabelValues("upload", "success").Inc()
	metrics.TransferBytesTotal.WithLabelValues("upload").Add(float64(res.Object.FileSize))

	zerolog.Ctx(ctx).Info().
		Str("bucket", req.BucketName).
		Str("key", res.Object.Key).
		Str("size", humanize.IBytes(uint64(res.Object.FileSize))).
		Dur("elapsed", time.Since(start)).
		Msg("Upload stored")

	location := url.Values{"bucket_name": {req.BucketName}, "key": {res.Object.Key}}
	w.Header().Set("Location", "/api/objects/download_file?"+location.Encode())
	body := map[string]any{"code": jsonutil.CodeSuccess, "msg": "success"}
	body["data"] = objectView(res.Object)
	body["new"] = res.Created
	jsonutil.WriteJSON(w, http.StatusCreated, body)
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperr.Invalid("file", "upload exceeds the limit of %s", humanize.IBytes(uint64(maxErr.Limit)))
	}
	return apperr.Invalid("file", "reading multipart body: %v", err)
}

// DownloadFile handles GET /api/objects/download_file. The object is
// streamed in range windows paced to the caller's bandwidth quota.
func (h *ObjectHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	tr, err := h.downloads.Open(ctx, actorOf(ctx), q.Get("bucket_name"), upload.NormalizePath(q.Get("key")))
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	tr.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := tr.WriteTo(w)
	metrics.TransferBytesTotal.WithLabelValues("download").Add(float64(n))
	logger := zerolog.Ctx(ctx)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("download", "interrupted").Inc()
		// Headers are gone; the client sees a short body.
		logger.Warn().Err(err).
			Str("key", tr.Object.Key).
			Str("sent", humanize.IBytes(uint64(n))).
			Msg("Download interrupted")
		return
	}
	metrics.TransfersTotal.WithLabelValues("download", "success").Inc()
	logger.Info().
		Str("key", tr.Object.Key).
		Str("size", humanize.IBytes(uint64(n))).
		Int64("bandwidth_mib", tr.Bandwidth).
		Dur("elapsed", time.Since(start)).
		Msg("Download finished")
}
