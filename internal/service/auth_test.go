package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/user"
)

func testAuthConfig() config.Auth {
	return config.Auth{
		JWTSecret:          "test-secret-at-least-32-bytes-long!",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    24 * time.Hour,
		DevLogin:           true,
		BcryptCost:         4,
		RevocationCacheTTL: time.Minute,
	}
}

func newTestTokenService(t *testing.T, store *mockStore, cfg config.Auth) *TokenService {
	t.Helper()
	svc, err := NewTokenService(store, newMemCache(), cfg)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	cfg := testAuthConfig()
	cfg.JWTSecret = ""
	if _, err := NewTokenService(newMockStore(), nil, cfg); err == nil {
		t.Fatal("expected error for missing jwt secret")
	}
}

func TestDevLoginIssuesVerifiableToken(t *testing.T) {
	store := newMockStore()
	svc := newTestTokenService(t, store, testAuthConfig())
	ctx := context.Background()

	res, refresh, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "laptop", RequestMeta{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}
	if refresh == "" {
		t.Fatal("no refresh secret issued")
	}
	if res.User.Role != user.RoleUser {
		t.Errorf("role = %s, want USER", res.User.Role)
	}

	claims, err := svc.VerifyAccessToken(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != res.User.ID {
		t.Errorf("subject = %s, want %s", claims.Subject, res.User.ID)
	}
	hasTrade := false
	for _, p := range claims.Perms {
		if p == user.PermTradeRequest {
			hasTrade = true
		}
	}
	if !hasTrade {
		t.Error("USER claims missing trade permission")
	}

	// The raw secret must never be stored; only its hash is.
	if _, ok := store.refresh[refresh]; ok {
		t.Error("refresh secret stored in plaintext")
	}
	if _, ok := store.refresh[hashSHA256(refresh)]; !ok {
		t.Error("refresh token hash not stored")
	}
}

func TestDevLoginDisabled(t *testing.T) {
	cfg := testAuthConfig()
	cfg.DevLogin = false
	svc := newTestTokenService(t, newMockStore(), cfg)

	_, _, err := svc.DevLogin(context.Background(), "dev@labsos.local", "", "", "", RequestMeta{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestDevLoginPasswordGate(t *testing.T) {
	cfg := testAuthConfig()
	cfg.DevPassword = "letmein"
	store := newMockStore()
	svc := newTestTokenService(t, store, cfg)
	ctx := context.Background()

	if _, _, err := svc.DevLogin(ctx, "dev@labsos.local", "wrong", "", "", RequestMeta{}); err == nil {
		t.Fatal("login succeeded with wrong password")
	}
	if len(store.attempts) != 1 || store.attempts[0].Success {
		t.Error("failed attempt not recorded")
	}

	if _, _, err := svc.DevLogin(ctx, "dev@labsos.local", "letmein", "", "", RequestMeta{}); err != nil {
		t.Fatalf("login with correct password: %v", err)
	}
}

func TestDevLoginRejectsUnassignableRole(t *testing.T) {
	svc := newTestTokenService(t, newMockStore(), testAuthConfig())
	_, _, err := svc.DevLogin(context.Background(), "dev@labsos.local", "", user.RoleService, "", RequestMeta{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	store := newMockStore()
	svc := newTestTokenService(t, store, testAuthConfig())
	ctx := context.Background()

	_, first, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}

	res, second, err := svc.Refresh(ctx, first, RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second == first {
		t.Fatal("refresh did not rotate the secret")
	}
	if _, err := svc.VerifyAccessToken(ctx, res.AccessToken); err != nil {
		t.Errorf("refreshed access token rejected: %v", err)
	}

	// Replaying the consumed secret must fail and leave an audit trail.
	if _, _, err := svc.Refresh(ctx, first, RequestMeta{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("replay err = %v, want ErrConflict", err)
	}
	replayAudited := false
	for _, a := range store.audits {
		if a.Action == "auth.refresh_replay" {
			replayAudited = true
		}
	}
	if !replayAudited {
		t.Error("replay was not audited")
	}

	// The rotated secret still works: replay detection alone does not
	// punish the legitimate holder unless cascade revocation is on.
	if _, _, err := svc.Refresh(ctx, second, RequestMeta{}); err != nil {
		t.Errorf("rotated secret rejected: %v", err)
	}
}

func TestRefreshReplayCascadeRevokesSession(t *testing.T) {
	cfg := testAuthConfig()
	cfg.RevokeOnReplay = true
	store := newMockStore()
	svc := newTestTokenService(t, store, cfg)
	ctx := context.Background()

	_, first, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}
	_, second, err := svc.Refresh(ctx, first, RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, _, err := svc.Refresh(ctx, first, RequestMeta{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("replay err = %v, want ErrConflict", err)
	}

	// The cascade revoked the whole session, killing the rotated secret too.
	if _, _, err := svc.Refresh(ctx, second, RequestMeta{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("post-cascade refresh err = %v, want ErrConflict", err)
	}
}

func TestRefreshUnknownSecret(t *testing.T) {
	svc := newTestTokenService(t, newMockStore(), testAuthConfig())
	if _, _, err := svc.Refresh(context.Background(), "no-such-secret", RequestMeta{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	svc := newTestTokenService(t, newMockStore(), testAuthConfig())
	ctx := context.Background()

	res, _, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}

	parts := strings.Split(res.AccessToken, ".")
	forged := parts[0] + "." + base64URLEncode([]byte(`{"sub":"attacker","role":"ADMIN"}`)) + "." + parts[2]
	if _, err := svc.VerifyAccessToken(ctx, forged); err == nil {
		t.Fatal("tampered token accepted")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	store := newMockStore()
	svc := newTestTokenService(t, store, testAuthConfig())
	ctx := context.Background()

	res, _, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	if _, err := svc.VerifyAccessToken(ctx, res.AccessToken); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestLogoutDenylistsAccessToken(t *testing.T) {
	store := newMockStore()
	svc := newTestTokenService(t, store, testAuthConfig())
	ctx := context.Background()

	res, refresh, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}
	claims, err := svc.VerifyAccessToken(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}

	if err := svc.Logout(ctx, refresh, claims, RequestMeta{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := svc.VerifyAccessToken(ctx, res.AccessToken); err == nil {
		t.Error("revoked access token accepted")
	}
	if _, _, err := svc.Refresh(ctx, refresh, RequestMeta{}); err == nil {
		t.Error("refresh secret survived logout")
	}

	// Another instance sharing the store (no warm cache) must agree.
	other := newTestTokenService(t, store, testAuthConfig())
	if _, err := other.VerifyAccessToken(ctx, res.AccessToken); err == nil {
		t.Error("revocation not visible across instances")
	}
}

func TestVerifyFailsClosedOnDenylistError(t *testing.T) {
	store := newMockStore()
	svc, err := NewTokenService(store, nil, testAuthConfig())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	ctx := context.Background()

	res, _, err := svc.DevLogin(ctx, "dev@labsos.local", "", "", "", RequestMeta{})
	if err != nil {
		t.Fatalf("DevLogin: %v", err)
	}

	store.isRevokedErr = errors.New("store down")
	if _, err := svc.VerifyAccessToken(ctx, res.AccessToken); err == nil {
		t.Fatal("token accepted while revocation state was unknown")
	}
}
