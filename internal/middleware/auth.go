// Package middleware provides HTTP middleware for the LabsOS API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/litree/labsos/internal/domain/user"
)

type claimsCtxKey struct{}

// TokenVerifier validates a signed access token, including its
// revocation status.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*user.TokenClaims, error)
}

// Auth validates credentials on every request it wraps. Two schemes are
// accepted: the static X-Service-Token header, which yields a SERVICE
// principal with the configured scopes, and Authorization: Bearer with a
// signed access token. Requests with neither are rejected.
func Auth(verifier TokenVerifier, serviceToken string, serviceScopes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if presented := r.Header.Get("X-Service-Token"); presented != "" {
				if serviceToken == "" ||
					subtle.ConstantTimeCompare([]byte(presented), []byte(serviceToken)) != 1 {
					http.Error(w, `{"error":"invalid service token"}`, http.StatusUnauthorized)
					return
				}
				claims := &user.TokenClaims{
					Subject: "service",
					Role:    user.RoleService,
					Perms:   serviceScopes,
				}
				next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func withClaims(ctx context.Context, claims *user.TokenClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, claims)
}

// ClaimsFromContext returns the authenticated principal's claims, or nil
// when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *user.TokenClaims {
	claims, _ := ctx.Value(claimsCtxKey{}).(*user.TokenClaims)
	return claims
}

// WithClaimsForTest injects claims into a context. Exported only for
// handler tests that bypass the Auth middleware.
func WithClaimsForTest(ctx context.Context, claims *user.TokenClaims) context.Context {
	return withClaims(ctx, claims)
}
