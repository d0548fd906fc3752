package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
)

// ACLHandler manages bucket and object grants. Every operation requires
// read-write on the resource; creating a grant also requires the grantee to
// be a sub-user of the caller.
type ACLHandler struct {
	store    catalog.Store
	resolver *authz.Resolver
}

// NewACLHandler creates an ACLHandler.
func NewACLHandler(store catalog.Store, resolver *authz.Resolver) *ACLHandler {
	return &ACLHandler{store: store, resolver: resolver}
}

// Register adds the grant operations to api.
func (h *ACLHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bucket-grant",
		Method:        http.MethodPost,
		Path:          "/api/buckets/acl",
		Summary:       "Grant a sub-user access to a bucket",
		Tags:          []string{"Buckets"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateBucketGrant)
	huma.Register(api, huma.Operation{
		OperationID: "list-bucket-grants",
		Method:      http.MethodGet,
		Path:        "/api/buckets/acl",
		Summary:     "List the grants of a bucket",
		Tags:        []string{"Buckets"},
	}, h.ListBucketGrants)
	huma.Register(api, huma.Operation{
		OperationID: "delete-bucket-grant",
		Method:      http.MethodDelete,
		Path:        "/api/buckets/acl",
		Summary:     "Revoke a bucket grant",
		Tags:        []string{"Buckets"},
	}, h.DeleteBucketGrant)

	huma.Register(api, huma.Operation{
		OperationID:   "create-object-grant",
		Method:        http.MethodPost,
		Path:          "/api/objects/acl",
		Summary:       "Grant a sub-user access to an object",
		Tags:          []string{"Objects"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateObjectGrant)
	huma.Register(api, huma.Operation{
		OperationID: "list-object-grants",
		Method:      http.MethodGet,
		Path:        "/api/objects/acl",
		Summary:     "List the grants of an object",
		Tags:        []string{"Objects"},
	}, h.ListObjectGrants)
	huma.Register(api, huma.Operation{
		OperationID: "delete-object-grant",
		Method:      http.MethodDelete,
		Path:        "/api/objects/acl",
		Summary:     "Revoke an object grant",
		Tags:        []string{"Objects"},
	}, h.DeleteObjectGrant)
}

// GrantBody is the body shared by the create-grant operations.
type GrantBody struct {
	Username   string `json:"username" minLength:"1"`
	Permission string `json:"permission" enum:"authenticated-read,authenticated-read-write"`
}

// CreateBucketGrantInput is the body of create-bucket-grant.
type CreateBucketGrantInput struct {
	Body struct {
		BucketID int64 `json:"bucket_id"`
		GrantBody
	}
}

// CreateObjectGrantInput is the body of create-object-grant.
type CreateObjectGrantInput struct {
	Body struct {
		ObjectID int64 `json:"obj_id"`
		GrantBody
	}
}

// GrantOutput returns a single grant.
type GrantOutput struct {
	Body struct {
		jsonutil.Envelope
		Data GrantView `json:"data"`
	}
}

// GrantsOutput lists grants.
type GrantsOutput struct {
	Body struct {
		jsonutil.Envelope
		Data []GrantView `json:"data"`
	}
}

// ObjectIDInput selects an object by id in the query string.
type ObjectIDInput struct {
	ObjectID int64 `query:"obj_id" required:"true"`
}

// BucketGrantIDInput selects a bucket grant.
type BucketGrantIDInput struct {
	GrantID int64 `query:"acl_bid" required:"true"`
}

// ObjectGrantIDInput selects an object grant.
type ObjectGrantIDInput struct {
	GrantID int64 `query:"acl_oid" required:"true"`
}

// CreateBucketGrant creates or updates the caller's grant to a sub-user.
func (h *ACLHandler) CreateBucketGrant(ctx context.Context, in *CreateBucketGrantInput) (*GrantOutput, error) {
	res, err := h.bucketResource(ctx, in.Body.BucketID)
	if err != nil {
		return nil, err
	}
	return h.createGrant(ctx, catalog.ScopeBucket, res, res.Bucket.ID, in.Body.GrantBody)
}

// ListBucketGrants lists the grants of a bucket.
func (h *ACLHandler) ListBucketGrants(ctx context.Context, in *BucketIDInput) (*GrantsOutput, error) {
	res, err := h.bucketResource(ctx, in.BucketID)
	if err != nil {
		return nil, err
	}
	return h.listGrants(ctx, catalog.ScopeBucket, res, res.Bucket.ID)
}

// DeleteBucketGrant revokes a bucket grant by id.
func (h *ACLHandler) DeleteBucketGrant(ctx context.Context, in *BucketGrantIDInput) (*StatusOutput, error) {
	return h.deleteGrant(ctx, catalog.ScopeBucket, in.GrantID, func(resourceID int64) (authz.Resource, error) {
		return h.bucketResource(ctx, resourceID)
	})
}

// CreateObjectGrant creates or updates the caller's grant to a sub-user.
func (h *ACLHandler) CreateObjectGrant(ctx context.Context, in *CreateObjectGrantInput) (*GrantOutput, error) {
	res, err := h.objectResource(ctx, in.Body.ObjectID)
	if err != nil {
		return nil, err
	}
	return h.createGrant(ctx, catalog.ScopeObject, res, res.Object.ID, in.Body.GrantBody)
}

// ListObjectGrants lists the grants of an object.
func (h *ACLHandler) ListObjectGrants(ctx context.Context, in *ObjectIDInput) (*GrantsOutput, error) {
	res, err := h.objectResource(ctx, in.ObjectID)
	if err != nil {
		return nil, err
	}
	return h.listGrants(ctx, catalog.ScopeObject, res, res.Object.ID)
}

// DeleteObjectGrant revokes an object grant by id.
func (h *ACLHandler) DeleteObjectGrant(ctx context.Context, in *ObjectGrantIDInput) (*StatusOutput, error) {
	return h.deleteGrant(ctx, catalog.ScopeObject, in.GrantID, func(resourceID int64) (authz.Resource, error) {
		return h.objectResource(ctx, resourceID)
	})
}

func (h *ACLHandler) bucketResource(ctx context.Context, id int64) (authz.Resource, error) {
	b, err := h.store.GetBucketByID(ctx, id)
	if err != nil {
		return authz.Resource{}, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return authz.Resource{}, apperr.ErrNoSuchBucket.WithField("bucket_id")
	}
	return authz.BucketResource(b), nil
}

func (h *ACLHandler) objectResource(ctx context.Context, id int64) (authz.Resource, error) {
	o, err := h.store.GetObjectByID(ctx, id)
	if err != nil {
		return authz.Resource{}, apperr.Internal("reading object", err)
	}
	if o == nil {
		return authz.Resource{}, apperr.ErrNoSuchObject.WithField("obj_id")
	}
	b, err := h.store.GetBucketByID(ctx, o.BucketID)
	if err != nil {
		return authz.Resource{}, apperr.Internal("reading bucket", err)
	}
	if b == nil {
		return authz.Resource{}, apperr.ErrNoSuchBucket
	}
	return authz.ObjectResource(b, o), nil
}

func (h *ACLHandler) createGrant(ctx context.Context, scope catalog.GrantScope, res authz.Resource, resourceID int64, body GrantBody) (*GrantOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	perm := catalog.GrantPermission(body.Permission)
	if !perm.Valid() {
		return nil, apperr.Invalid("permission", "unknown grant permission %q", perm)
	}
	if err := h.resolver.Authorize(ctx, actor, res, catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	if err := h.resolver.CanDelegate(ctx, actor, body.Username); err != nil {
		return nil, err
	}

	g := &catalog.GrantRecord{ResourceID: resourceID, Grantee: body.Username, Permission: perm}
	if err := h.store.PutGrant(ctx, scope, g); err != nil {
		return nil, apperr.Internal("recording grant", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("scope", string(scope)).
		Int64("resource_id", resourceID).
		Str("grantee", g.Grantee).
		Str("permission", string(perm)).
		Msg("Grant recorded")

	out := &GrantOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = grantView(g)
	return out, nil
}

func (h *ACLHandler) listGrants(ctx context.Context, scope catalog.GrantScope, res authz.Resource, resourceID int64) (*GrantsOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.Authorize(ctx, actor, res, catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	grants, err := h.store.ListGrants(ctx, scope, resourceID)
	if err != nil {
		return nil, apperr.Internal("listing grants", err)
	}
	out := &GrantsOutput{}
	out.Body.Envelope = jsonutil.OK()
	out.Body.Data = make([]GrantView, 0, len(grants))
	for i := range grants {
		out.Body.Data = append(out.Body.Data, grantView(&grants[i]))
	}
	return out, nil
}

func (h *ACLHandler) deleteGrant(ctx context.Context, scope catalog.GrantScope, id int64, resource func(int64) (authz.Resource, error)) (*StatusOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	g, err := h.store.GetGrant(ctx, scope, id)
	if err != nil {
		return nil, apperr.Internal("reading grant", err)
	}
	if g == nil {
		return nil, apperr.ErrNoSuchGrant
	}
	res, err := resource(g.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.Authorize(ctx, actor, res, catalog.ActionReadWrite); err != nil {
		return nil, err
	}
	if err := h.store.DeleteGrant(ctx, scope, id); err != nil {
		return nil, apperr.Internal("removing grant", err)
	}
	return success(), nil
}
