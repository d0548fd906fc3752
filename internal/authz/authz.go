// Package authz decides whether an actor may read or write a bucket or an
// object, from the resource's visibility, its owners and its ACL grants.
package authz

import (
	"context"
	"fmt"

	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
)

// Anonymous is the actor of unauthenticated requests.
const Anonymous = ""

// Resource is a bucket, or an object together with its owning bucket.
type Resource struct {
	Bucket *catalog.BucketRecord
	// Object is nil for bucket resources.
	Object *catalog.ObjectRecord
}

// BucketResource returns a bucket-scoped resource.
func BucketResource(b *catalog.BucketRecord) Resource {
	return Resource{Bucket: b}
}

// ObjectResource returns an object-scoped resource.
func ObjectResource(b *catalog.BucketRecord, o *catalog.ObjectRecord) Resource {
	return Resource{Bucket: b, Object: o}
}

func (r Resource) permission() catalog.Permission {
	if r.Object != nil {
		return r.Object.Permission
	}
	return r.Bucket.Permission
}

func (r Resource) owner() string {
	if r.Object != nil {
		return r.Object.Owner
	}
	return r.Bucket.Owner
}

func (r Resource) String() string {
	if r.Object != nil {
		return fmt.Sprintf("object %s/%s", r.Bucket.Name, r.Object.Key)
	}
	return "bucket " + r.Bucket.Name
}

// Decision is the outcome of a resolution.
type Decision struct {
	Allowed bool
	Reason  string
}

// GrantReader is the slice of the catalog the resolver reads.
type GrantReader interface {
	ListGrants(ctx context.Context, scope catalog.GrantScope, resourceID int64) ([]catalog.GrantRecord, error)
	GetPrincipal(ctx context.Context, username string) (*catalog.PrincipalRecord, error)
}

// Resolver evaluates visibility, ownership and grants.
type Resolver struct {
	store GrantReader
}

// NewResolver creates a Resolver reading grants from store.
func NewResolver(store GrantReader) *Resolver {
	return &Resolver{store: store}
}

// Resolve decides whether actor may perform action on res:
//
//  1. public-read-write allows everything and public-read allows reads, for
//     every actor including anonymous ones.
//  2. Anonymous actors are denied past this point.
//  3. private resources are open to their owner and, for objects, the
//     bucket owner.
//  4. Otherwise (authenticated, or public-read asked for read-write) the
//     owner, the bucket owner, and grantees of an object or bucket grant
//     covering the action are allowed.
func (r *Resolver) Resolve(ctx context.Context, actor string, res Resource, action catalog.Action) (Decision, error) {
	perm := res.permission()
	switch {
	case perm == catalog.PermPublicReadWrite:
		return Decision{Allowed: true, Reason: "public-read-write"}, nil
	case perm == catalog.PermPublicRead && action == catalog.ActionRead:
		return Decision{Allowed: true, Reason: "public-read"}, nil
	}

	if actor == Anonymous {
		return Decision{Reason: "anonymous access denied"}, nil
	}
	if actor == res.owner() || actor == res.Bucket.Owner {
		return Decision{Allowed: true, Reason: "owner"}, nil
	}
	if perm == catalog.PermPrivate {
		return Decision{Reason: "private resource"}, nil
	}

	if res.Object != nil {
		ok, err := r.granted(ctx, catalog.ScopeObject, res.Object.ID, actor, action)
		if err != nil || ok {
			return Decision{Allowed: ok, Reason: "object grant"}, err
		}
	}
	ok, err := r.granted(ctx, catalog.ScopeBucket, res.Bucket.ID, actor, action)
	if err != nil || ok {
		return Decision{Allowed: ok, Reason: "bucket grant"}, err
	}
	return Decision{Reason: "no matching grant"}, nil
}

func (r *Resolver) granted(ctx context.Context, scope catalog.GrantScope, id int64, actor string, action catalog.Action) (bool, error) {
	grants, err := r.store.ListGrants(ctx, scope, id)
	if err != nil {
		return false, apperr.Internal("reading grants", err)
	}
	for _, g := range grants {
		if g.Grantee == actor && g.Permission.Allows(action) {
			return true, nil
		}
	}
	return false, nil
}

// Authorize is Resolve returning an AuthorizationDenied error on denial.
func (r *Resolver) Authorize(ctx context.Context, actor string, res Resource, action catalog.Action) error {
	d, err := r.Resolve(ctx, actor, res, action)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return apperr.Denied("%s on %s denied: %s", action, res, d.Reason)
	}
	return nil
}

// CanDelegate reports whether caller may grant access to grantee: the
// grantee must be a principal whose root or parent is the caller.
func (r *Resolver) CanDelegate(ctx context.Context, caller, grantee string) error {
	p, err := r.store.GetPrincipal(ctx, grantee)
	if err != nil {
		return apperr.Internal("reading principal", err)
	}
	if p == nil {
		return apperr.ErrNoSuchUser.WithField("grantee")
	}
	if p.RootUID != caller && p.ParentUID != caller {
		return apperr.Denied("%s is not a sub-user of %s", grantee, caller)
	}
	return nil
}
