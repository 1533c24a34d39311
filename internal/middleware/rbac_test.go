package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/litree/labsos/internal/domain/user"
)

func TestRequirePermUnauthenticated(t *testing.T) {
	h := RequirePerm(user.PermTradeRequest)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequirePermForbidden(t *testing.T) {
	h := RequirePerm(user.PermAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	claims := &user.TokenClaims{Subject: "u-1", Perms: []string{user.PermTradeRequest}}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClaimsForTest(req.Context(), claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequirePermExactMatchOnly(t *testing.T) {
	// Holding marketplace:admin must not satisfy marketplace:asset:create.
	h := RequirePerm(user.PermAssetCreate)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	claims := &user.TokenClaims{Subject: "u-1", Perms: []string{user.PermAdmin}}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClaimsForTest(req.Context(), claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRequirePermAllows(t *testing.T) {
	ran := false
	h := RequirePerm(user.PermTradeRequest)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	}))

	claims := &user.TokenClaims{Subject: "u-1", Perms: user.PermsForRole(user.RoleUser)}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClaimsForTest(req.Context(), claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !ran || rec.Code != http.StatusOK {
		t.Fatalf("ran=%v status=%d, want handler run with 200", ran, rec.Code)
	}
}
