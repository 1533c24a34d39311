package middleware

import (
	"net/http"
	"slices"
)

// RequirePerm restricts access to principals holding the named
// permission. Matching is exact string equality: no wildcards, no role
// hierarchy. Unauthenticated requests get 401, authenticated principals
// without the permission get 403.
func RequirePerm(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			if !slices.Contains(claims.Perms, perm) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
