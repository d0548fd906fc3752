// Package auth resolves the actor of each request from a bearer token or an
// access/secret key pair, and refuses object operations once the actor's
// storage allowance has expired.
package auth

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/catalog"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
)

// skipPaths is the set of paths that never carry credentials.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// objectRoutes prefixes the routes where access keys are honoured and the
// storage allowance is enforced.
const objectRoutes = "/api/objects"

// IdentityStore is the slice of the catalog the authenticator reads.
type IdentityStore interface {
	GetPrincipal(ctx context.Context, username string) (*catalog.PrincipalRecord, error)
	GetAccessKey(ctx context.Context, accessKey string) (*catalog.AccessKeyRecord, error)
	GetQuota(ctx context.Context, owner string, kind catalog.QuotaKind) (*catalog.QuotaRecord, error)
}

// Authenticator resolves request credentials to a principal.
type Authenticator struct {
	store           IdentityStore
	tokens          *TokenIssuer
	enforceCapacity bool
	principals      *lookupCache[*catalog.PrincipalRecord]
	keys            *lookupCache[*catalog.AccessKeyRecord]
	now             func() time.Time
}

// NewAuthenticator creates an Authenticator. When enforceCapacity is set,
// authenticated requests to object routes need an unexpired capacity quota.
func NewAuthenticator(store IdentityStore, tokens *TokenIssuer, enforceCapacity bool) *Authenticator {
	return &Authenticator{
		store:           store,
		tokens:          tokens,
		enforceCapacity: enforceCapacity,
		principals:      newLookupCache[*catalog.PrincipalRecord](lookupCacheTTL, time.Now),
		keys:            newLookupCache[*catalog.AccessKeyRecord](lookupCacheTTL, time.Now),
		now:             time.Now,
	}
}

// Middleware sets the actor on the request context. Requests without
// credentials pass through as anonymous; the resolver decides what they may
// see. Malformed or unknown credentials are rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if skipPaths[path] || strings.HasPrefix(path, "/docs") {
			next.ServeHTTP(w, r)
			return
		}

		actor, via, err := a.Authenticate(r)
		if err != nil {
			jsonutil.WriteError(w, r, err)
			return
		}

		ctx := r.Context()
		if actor != "" {
			if l := zerolog.Ctx(ctx); l != zerolog.DefaultContextLogger {
				l.UpdateContext(func(c zerolog.Context) zerolog.Context {
					return c.Str("actor", actor)
				})
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(ctx, actor, via)))
	})
}

// Authenticate returns the actor of r. Access keys are tried first on
// object routes; a pair that does not match an active key falls back to the
// Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (string, Method, error) {
	ctx := r.Context()
	objects := strings.HasPrefix(r.URL.Path, objectRoutes)

	if objects {
		q := r.URL.Query()
		if ak, sk := q.Get("access_key"), q.Get("secret_key"); ak != "" && sk != "" {
			actor, err := a.accessKey(ctx, ak, sk, ClientIP(r))
			if err != nil {
				return "", "", err
			}
			if actor != "" {
				return actor, MethodAccessKey, a.checkStorage(ctx, actor)
			}
		}
	}

	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) == 0 || !isTokenScheme(fields[0]) {
		return "", MethodAnonymous, nil
	}
	switch {
	case len(fields) == 1:
		return "", "", apperr.Unauthenticated("invalid token header: no credentials provided")
	case len(fields) > 2:
		return "", "", apperr.Unauthenticated("invalid token header: token string should not contain spaces")
	}

	username, err := a.tokens.Parse(fields[1])
	if err != nil {
		return "", "", apperr.ErrBadToken
	}
	p, err := a.principals.get(ctx, username, a.store.GetPrincipal)
	if err != nil {
		return "", "", apperr.Internal("reading principal", err)
	}
	if p == nil || !p.Active {
		return "", "", apperr.Unauthenticated("user inactive or deleted")
	}
	if objects {
		if err := a.checkStorage(ctx, username); err != nil {
			return "", "", err
		}
	}
	return username, MethodToken, nil
}

// accessKey returns the owner of an active key pair, or "" when the pair
// does not match.
func (a *Authenticator) accessKey(ctx context.Context, ak, sk, clientIP string) (string, error) {
	k, err := a.keys.get(ctx, ak, a.store.GetAccessKey)
	if err != nil {
		return "", apperr.Internal("reading access key", err)
	}
	if k == nil || !k.Active || subtle.ConstantTimeCompare([]byte(k.SecretKey), []byte(sk)) != 1 {
		return "", nil
	}
	p, err := a.principals.get(ctx, k.Owner, a.store.GetPrincipal)
	if err != nil {
		return "", apperr.Internal("reading principal", err)
	}
	if p == nil || !p.Active {
		return "", nil
	}
	if k.AllowIP != "*" && k.AllowIP != clientIP {
		return "", apperr.New(apperr.KindNotAcceptable, "your ip not in allow ip list")
	}
	return k.Owner, nil
}

func (a *Authenticator) checkStorage(ctx context.Context, actor string) error {
	if !a.enforceCapacity {
		return nil
	}
	q, err := a.store.GetQuota(ctx, actor, catalog.QuotaCapacity)
	if err != nil {
		return apperr.Internal("reading capacity quota", err)
	}
	if !q.ValidAt(a.now()) {
		return apperr.ErrStorageExpiry
	}
	return nil
}

func isTokenScheme(s string) bool {
	return strings.EqualFold(s, "token") || strings.EqualFold(s, "bearer")
}

// ClientIP returns the address of the client. The server installs chi's
// RealIP middleware first, so RemoteAddr already reflects X-Forwarded-For
// and X-Real-IP.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
