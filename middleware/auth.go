// Package middleware implements the chi HTTP middleware chain for
// httpapi: bearer-token authentication and CORS, grounded on the
// teacher's control_plane/middleware/auth.go strict-header parsing,
// adapted from a tenant-scoped Claims lookup to the Principal-based
// Auth Verifier (§4.1).
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentbridge/conductor/auth"
)

type principalContextKey struct{}

// Authenticate builds a chi-compatible middleware that validates the
// bearer token against verifier and injects the resulting Principal
// into the request context. STRICT: fails fast on a missing or
// malformed header.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Validate(parts[1])
			if err != nil {
				http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, *principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext retrieves the authenticated Principal injected
// by Authenticate.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(auth.Principal)
	return p, ok
}

// GetRoleFromContext retrieves the role of the authenticated principal.
func GetRoleFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("principal not found in context")
	}
	return p.Role, nil
}
