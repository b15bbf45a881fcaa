// Package requestctx carries authenticated request state through context.
package requestctx

import "context"

type identityIDContextKey struct{}

type sessionIDContextKey struct{}

// WithIdentityID stores the authenticated identity id in context.
func WithIdentityID(ctx context.Context, identityID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityIDContextKey{}, identityID)
}

// IdentityIDFromContext returns the identity id stored in context.
func IdentityIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(identityIDContextKey{}).(string)
	return value
}

// WithSessionID stores the web session id backing the request.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

// SessionIDFromContext returns the web session id stored in context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sessionIDContextKey{}).(string)
	return value
}
