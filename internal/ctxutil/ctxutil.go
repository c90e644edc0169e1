// Package ctxutil provides shared context key accessors.
//
// server imports mcp for transport setup, and mcp needs the claims that
// server's auth middleware populates. Both import ctxutil instead of each
// other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/michi/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// HasRole reports whether the caller in ctx holds at least min.
func HasRole(ctx context.Context, min auth.Role) bool {
	c := ClaimsFromContext(ctx)
	return c != nil && c.Role.AtLeast(min)
}
