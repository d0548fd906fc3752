package auth

import "context"

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const (
	actorKey contextKey = iota
	viaKey
)

// Method names how a request was authenticated.
type Method string

const (
	MethodAnonymous Method = "anonymous"
	MethodToken     Method = "token"
	MethodAccessKey Method = "access_key"
)

// ActorFromContext returns the authenticated username stored on ctx, or ""
// (the anonymous actor) when the request carried no credentials.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

// MethodFromContext returns how the request on ctx was authenticated.
func MethodFromContext(ctx context.Context) Method {
	if m, ok := ctx.Value(viaKey).(Method); ok {
		return m
	}
	return MethodAnonymous
}

// ContextWithActor returns a copy of ctx carrying actor.
func ContextWithActor(ctx context.Context, actor string, via Method) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, viaKey, via)
}
