package auth

import (
	"context"
	"net/http"
	"strings"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleUser
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unauth"
	}
}

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	AdminKeys      map[string]struct{}
}

type ctxPrincipalKey struct{}
type ctxRoleKey struct{}

// PrincipalFromContext returns the authenticated principal or empty string.
func PrincipalFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxPrincipalKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RoleFromContext returns the resolved role for the request.
func RoleFromContext(ctx context.Context) Role {
	if v := ctx.Value(ctxRoleKey{}); v != nil {
		if r, ok := v.(Role); ok {
			return r
		}
	}
	return RoleUnauth
}

// WithIdentity returns a context carrying the principal and role.
func WithIdentity(ctx context.Context, principal string, role Role) context.Context {
	ctx = context.WithValue(ctx, ctxPrincipalKey{}, principal)
	return context.WithValue(ctx, ctxRoleKey{}, role)
}

// BearerToken extracts the bearer token from a request, falling back to
// the token query parameter for EventSource clients that cannot set
// headers.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
