package handlers

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ossgate/ossgate/internal/auth"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
)

// timeFormat is the layout of every timestamp in responses.
const timeFormat = "2006-01-02T15:04:05.000Z"

var bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{1,62}$`)

// validateBucketName returns a validation error when name is not a legal
// bucket name: lowercase letters, digits and hyphens, 2 to 63 characters,
// not starting with a hyphen.
func validateBucketName(name string) error {
	if !bucketNameRE.MatchString(name) {
		return apperr.Invalid("name", "illegal bucket name: %q", name)
	}
	return nil
}

// requireActor returns the authenticated actor or an Unauthenticated error.
func requireActor(ctx context.Context) (string, error) {
	actor := auth.ActorFromContext(ctx)
	if actor == "" {
		return "", apperr.Unauthenticated("authentication credentials were not provided")
	}
	return actor, nil
}

// actorOf returns the request actor, "" for anonymous requests.
func actorOf(ctx context.Context) string {
	return auth.ActorFromContext(ctx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

// PageInfo describes a page of a listing.
type PageInfo struct {
	RecordCount int `json:"record_count"`
	PageSize    int `json:"page_size"`
	CurrentPage int `json:"current_page"`
}

// PageParams are the pagination query parameters shared by listings.
type PageParams struct {
	Page int `query:"page" minimum:"1" default:"1"`
	Size int `query:"size" minimum:"1" maximum:"20" default:"20"`
}

func (p PageParams) page() catalog.Page {
	return catalog.Page{Number: p.Page, Size: p.Size}.Normalize()
}

func pageInfo(p catalog.Page, total int) PageInfo {
	return PageInfo{RecordCount: total, PageSize: p.Size, CurrentPage: p.Number}
}

// BucketView is the JSON form of a bucket.
type BucketView struct {
	ID             int64  `json:"bucket_id"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	Region         string `json:"region"`
	Permission     string `json:"permission"`
	VersionControl bool   `json:"version_control"`
	Backup         bool   `json:"backup"`
	ReadOnly       bool   `json:"read_only"`
	PID            int64  `json:"pid"`
	CreatedAt      string `json:"create_time"`
}

func bucketView(b *catalog.BucketRecord) BucketView {
	return BucketView{
		ID:             b.ID,
		Name:           b.Name,
		Owner:          b.Owner,
		Region:         b.Region,
		Permission:     string(b.Permission),
		VersionControl: b.VersionControl,
		Backup:         b.Backup,
		ReadOnly:       b.ReadOnly,
		PID:            b.PID,
		CreatedAt:      formatTime(b.CreatedAt),
	}
}

// ObjectView is the JSON form of a file or directory.
type ObjectView struct {
	ID         int64  `json:"obj_id"`
	BucketID   int64  `json:"bucket_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Root       string `json:"root"`
	Key        string `json:"key"`
	FileSize   int64  `json:"file_size"`
	MD5        string `json:"md5"`
	ETag       string `json:"etag"`
	VersionID  string `json:"version_id"`
	Permission string `json:"permission"`
	Owner      string `json:"owner"`
	UploadedAt string `json:"upload_time"`
}

func objectView(o *catalog.ObjectRecord) ObjectView {
	return ObjectView{
		ID:         o.ID,
		BucketID:   o.BucketID,
		Type:       string(o.Type),
		Name:       o.Name,
		Root:       o.Root,
		Key:        o.Key,
		FileSize:   o.FileSize,
		MD5:        o.MD5,
		ETag:       o.ETag,
		VersionID:  o.VersionID,
		Permission: string(o.Permission),
		Owner:      o.Owner,
		UploadedAt: formatTime(o.UploadedAt),
	}
}

// GrantView is the JSON form of an ACL grant.
type GrantView struct {
	ID         int64  `json:"acl_id"`
	ResourceID int64  `json:"resource_id"`
	Username   string `json:"username"`
	Permission string `json:"permission"`
	CreatedAt  string `json:"create_time"`
}

func grantView(g *catalog.GrantRecord) GrantView {
	return GrantView{
		ID:         g.ID,
		ResourceID: g.ResourceID,
		Username:   g.Grantee,
		Permission: string(g.Permission),
		CreatedAt:  formatTime(g.CreatedAt),
	}
}

// StatusOutput is the response of operations that return only the envelope.
type StatusOutput struct {
	Body jsonutil.Envelope
}

func success() *StatusOutput {
	return &StatusOutput{Body: jsonutil.OK()}
}

// NewAPIError builds the error huma returns for request validation and
// routing failures, so they share the envelope of every other error. It is
// installed as huma.NewError by the server.
func NewAPIError(status int, msg string, errs ...error) huma.StatusError {
	var kind apperr.Kind
	switch status {
	case http.StatusUnauthorized:
		kind = apperr.KindUnauthenticated
	case http.StatusForbidden:
		kind = apperr.KindDenied
	case http.StatusNotFound:
		kind = apperr.KindNotFound
	case http.StatusNotAcceptable:
		kind = apperr.KindNotAcceptable
	case http.StatusTooManyRequests:
		kind = apperr.KindTooManyRequests
	default:
		kind = apperr.KindInternal
		if status < http.StatusInternalServerError {
			kind = apperr.KindValidation
		}
	}
	e := apperr.New(kind, "%s", msg)
	for _, err := range errs {
		if d, ok := err.(*huma.ErrorDetail); ok {
			e.Message = msg + ": " + d.Message
			e.Field = d.Location
			break
		}
	}
	return e
}
