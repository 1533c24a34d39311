package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/litree/labsos/internal/domain/user"
)

type staticVerifier struct {
	claims *user.TokenClaims
	err    error
}

func (v *staticVerifier) VerifyAccessToken(_ context.Context, _ string) (*user.TokenClaims, error) {
	return v.claims, v.err
}

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			t.Fatal("no claims in context")
		}
		if claims.Subject != wantSubject {
			t.Fatalf("subject = %q, want %q", claims.Subject, wantSubject)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	h := Auth(&staticVerifier{}, "svc-secret", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthServiceToken(t *testing.T) {
	scopes := []string{user.PermAgentExecute}
	h := Auth(&staticVerifier{}, "svc-secret", scopes)(okHandler(t, "service"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Service-Token", "svc-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthServiceTokenMismatch(t *testing.T) {
	h := Auth(&staticVerifier{}, "svc-secret", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Service-Token", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	v := &staticVerifier{claims: &user.TokenClaims{Subject: "u-1", Role: user.RoleUser}}
	h := Auth(v, "", nil)(okHandler(t, "u-1"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthBearerInvalid(t *testing.T) {
	v := &staticVerifier{err: errors.New("expired")}
	h := Auth(v, "", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
