package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/sensor-gateway/cognito"
)

// Context key type to avoid collisions
type contextKey string

const (
	// PrincipalKey is the context key for the authenticated principal
	PrincipalKey contextKey = "principal"

	// AccessTokenKey is the context key for the raw bearer token
	AccessTokenKey contextKey = "access_token"
)

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// PrincipalFromContext retrieves the authenticated principal from context.
// It is nil outside of routes guarded by RequireAuth.
func PrincipalFromContext(ctx context.Context) *cognito.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if principal, ok := val.(*cognito.Principal); ok {
			return principal
		}
	}
	return nil
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal *cognito.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// AccessTokenFromContext retrieves the verified bearer token from context
func AccessTokenFromContext(ctx context.Context) string {
	if val := ctx.Value(AccessTokenKey); val != nil {
		if token, ok := val.(string); ok {
			return token
		}
	}
	return ""
}

// WithAccessToken adds the verified bearer token to the context
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, AccessTokenKey, token)
}
