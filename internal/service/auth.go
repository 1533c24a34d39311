// Package service implements the LabsOS use cases on top of the ports.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/user"
	"github.com/litree/labsos/internal/port/cache"
	"github.com/litree/labsos/internal/port/database"
)

const (
	tokenIssuer   = "labsos"
	tokenAudience = "labsos-api"
)

// RequestMeta carries caller metadata for audit records.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// LoginResult is the outcome of a successful login or refresh.
type LoginResult struct {
	User          *user.User `json:"user"`
	AccessToken   string     `json:"access_token"`
	AccessExpires time.Time  `json:"access_expires"`
	SessionID     string     `json:"session_id"`
}

// TokenService issues, rotates, verifies, and revokes tokens.
//
// Access tokens are HS256 JWTs verified statelessly plus a jti denylist
// lookup. Refresh tokens are opaque secrets stored only as SHA-256
// hashes; each is exchanged at most once.
type TokenService struct {
	store    database.Store
	revCache cache.Cache
	cfg      config.Auth
	secret   []byte
	devHash  []byte
	now      func() time.Time
}

// NewTokenService builds a TokenService. When a dev password is
// configured it is bcrypt-hashed once here so login compares against a
// hash, never the configured plaintext.
func NewTokenService(store database.Store, revCache cache.Cache, cfg config.Auth) (*TokenService, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	s := &TokenService{
		store:    store,
		revCache: revCache,
		cfg:      cfg,
		secret:   []byte(cfg.JWTSecret),
		now:      time.Now,
	}
	if cfg.DevPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DevPassword), cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash dev password: %w", err)
		}
		s.devHash = hash
	}
	return s, nil
}

// DevLogin upserts a user by email and opens a session for it. Only
// available when dev login is enabled; intended for local and staging
// environments where no external identity provider is wired.
func (s *TokenService) DevLogin(ctx context.Context, email, password string, role user.Role, deviceName string, meta RequestMeta) (*LoginResult, string, error) {
	if !s.cfg.DevLogin {
		return nil, "", fmt.Errorf("%w: dev login is disabled", domain.ErrValidation)
	}
	if email == "" {
		return nil, "", fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	if role == "" {
		role = user.RoleUser
	}
	if !user.ValidRoles[role] {
		return nil, "", fmt.Errorf("%w: role %q is not assignable", domain.ErrValidation, role)
	}
	if s.devHash != nil {
		if err := bcrypt.CompareHashAndPassword(s.devHash, []byte(password)); err != nil {
			s.recordLoginAttempt(ctx, "", false, meta)
			return nil, "", fmt.Errorf("%w: invalid dev password", domain.ErrValidation)
		}
	}

	u, err := s.store.UpsertUserByEmail(ctx, email, role)
	if err != nil {
		return nil, "", fmt.Errorf("dev login: %w", err)
	}
	if u.Status != user.StatusActive {
		s.recordLoginAttempt(ctx, u.ID, false, meta)
		return nil, "", fmt.Errorf("%w: user is disabled", domain.ErrValidation)
	}

	sess := &user.Session{
		UserID:     u.ID,
		DeviceName: deviceName,
		ExpiresAt:  s.now().Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("dev login: %w", err)
	}

	result, rawRefresh, err := s.issueTokens(ctx, u, sess.ID)
	if err != nil {
		return nil, "", err
	}

	s.recordLoginAttempt(ctx, u.ID, true, meta)
	s.audit(ctx, u.ID, "auth.login", "session", sess.ID, meta)
	return result, rawRefresh, nil
}

// Refresh exchanges a refresh secret for a new access token and a new
// refresh secret. The presented secret is single-use: a second
// presentation hits the revoked row and is treated as a replay.
func (s *TokenService) Refresh(ctx context.Context, rawRefresh string, meta RequestMeta) (*LoginResult, string, error) {
	tokenHash := hashSHA256(rawRefresh)
	rt, err := s.store.GetRefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}

	if !rt.RevokedAt.IsZero() {
		// Replay of a rotated secret. The legitimate holder already
		// exchanged it, so someone else has a copy.
		s.audit(ctx, rt.UserID, "auth.refresh_replay", "session", rt.SessionID, meta)
		if s.cfg.RevokeOnReplay {
			if err := s.store.RevokeSessionTokens(ctx, rt.SessionID); err != nil {
				slog.Warn("cascade revoke failed", "session_id", rt.SessionID, "error", err)
			}
			if err := s.store.RevokeSession(ctx, rt.SessionID); err != nil {
				slog.Warn("session revoke failed", "session_id", rt.SessionID, "error", err)
			}
		}
		return nil, "", fmt.Errorf("refresh token replay: %w", domain.ErrConflict)
	}

	sess, err := s.store.GetSession(ctx, rt.SessionID)
	if err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}
	if sess.Revoked(s.now()) {
		return nil, "", fmt.Errorf("session revoked or expired: %w", domain.ErrConflict)
	}

	u, err := s.store.GetUser(ctx, rt.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}
	if u.Status != user.StatusActive {
		return nil, "", fmt.Errorf("user is disabled: %w", domain.ErrConflict)
	}

	newSecret, err := generateRandomToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}
	newRT := &user.RefreshToken{TokenHash: hashSHA256(newSecret)}
	sessionExpiry := s.now().Add(s.cfg.RefreshTokenTTL)
	if err := s.store.RotateRefreshToken(ctx, tokenHash, newRT, sessionExpiry); err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}

	access, expires, err := s.signJWT(u)
	if err != nil {
		return nil, "", fmt.Errorf("refresh: %w", err)
	}
	return &LoginResult{
		User:          u,
		AccessToken:   access,
		AccessExpires: expires,
		SessionID:     sess.ID,
	}, newSecret, nil
}

// Logout revokes the presented refresh secret, every other token in its
// session, the session itself, and denylists the caller's access token.
func (s *TokenService) Logout(ctx context.Context, rawRefresh string, claims *user.TokenClaims, meta RequestMeta) error {
	if rawRefresh != "" {
		tokenHash := hashSHA256(rawRefresh)
		rt, err := s.store.GetRefreshTokenByHash(ctx, tokenHash)
		if err == nil {
			if err := s.store.RevokeSessionTokens(ctx, rt.SessionID); err != nil {
				slog.Warn("logout: session token revoke failed", "error", err)
			}
			if err := s.store.RevokeSession(ctx, rt.SessionID); err != nil {
				slog.Warn("logout: session revoke failed", "error", err)
			}
			s.audit(ctx, rt.UserID, "auth.logout", "session", rt.SessionID, meta)
		}
	}

	if claims != nil && claims.JTI != "" {
		expiry := time.Unix(claims.Expiry, 0)
		if err := s.RevokeAccessToken(ctx, claims.JTI, expiry); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}
	return nil
}

// RevokeAccessToken denylists a jti until its natural expiry.
func (s *TokenService) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := s.store.RevokeToken(ctx, jti, expiresAt); err != nil {
		return err
	}
	if s.revCache != nil {
		_ = s.revCache.Set(ctx, revCacheKey(jti), []byte("1"), s.cfg.RevocationCacheTTL)
	}
	return nil
}

// VerifyAccessToken checks signature, expiry, issuer, audience, and the
// revocation denylist. A denylist lookup failure rejects the token: when
// revocation state is unknown, the token is treated as revoked.
func (s *TokenService) VerifyAccessToken(ctx context.Context, tokenStr string) (*user.TokenClaims, error) {
	claims, err := s.verifyJWT(tokenStr)
	if err != nil {
		return nil, err
	}

	revoked, err := s.isRevoked(ctx, claims.JTI)
	if err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("token revoked")
	}
	return claims, nil
}

func (s *TokenService) isRevoked(ctx context.Context, jti string) (bool, error) {
	if s.revCache != nil {
		if val, ok, err := s.revCache.Get(ctx, revCacheKey(jti)); err == nil && ok {
			return string(val) == "1", nil
		}
	}
	revoked, err := s.store.IsTokenRevoked(ctx, jti)
	if err != nil {
		return false, err
	}
	if s.revCache != nil {
		val := []byte("0")
		if revoked {
			val = []byte("1")
		}
		_ = s.revCache.Set(ctx, revCacheKey(jti), val, s.cfg.RevocationCacheTTL)
	}
	return revoked, nil
}

// ScheduleRevocationPurge registers a periodic job that deletes expired
// denylist rows, keeping the revoked_tokens table bounded.
func (s *TokenService) ScheduleRevocationPurge(c *cron.Cron) error {
	interval := s.cfg.RevocationPurge
	if interval <= 0 {
		interval = time.Hour
	}
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := s.store.PurgeExpiredTokens(ctx)
		if err != nil {
			slog.Error("revocation purge failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("revocation purge", "deleted", n)
		}
	})
	return err
}

func (s *TokenService) issueTokens(ctx context.Context, u *user.User, sessionID string) (*LoginResult, string, error) {
	access, expires, err := s.signJWT(u)
	if err != nil {
		return nil, "", err
	}

	rawRefresh, err := generateRandomToken(32)
	if err != nil {
		return nil, "", err
	}
	rt := &user.RefreshToken{
		SessionID: sessionID,
		UserID:    u.ID,
		TokenHash: hashSHA256(rawRefresh),
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, "", err
	}

	return &LoginResult{
		User:          u,
		AccessToken:   access,
		AccessExpires: expires,
		SessionID:     sessionID,
	}, rawRefresh, nil
}

func (s *TokenService) recordLoginAttempt(ctx context.Context, userID string, success bool, meta RequestMeta) {
	la := &user.LoginAttempt{
		UserID:    userID,
		Success:   success,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := s.store.CreateLoginAttempt(ctx, la); err != nil {
		slog.Warn("login attempt record failed", "error", err)
	}
}

func (s *TokenService) audit(ctx context.Context, userID, action, resource, resourceID string, meta RequestMeta) {
	a := &user.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}
	if err := s.store.CreateAuditLog(ctx, a); err != nil {
		slog.Warn("audit record failed", "action", action, "error", err)
	}
}

// jwtHeader is the fixed base64url-encoded header for HS256.
var jwtHeader = base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))

func (s *TokenService) signJWT(u *user.User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.cfg.AccessTokenTTL)
	claims := user.TokenClaims{
		Subject:  u.ID,
		Role:     u.Role,
		Perms:    user.PermsForRole(u.Role),
		JTI:      uuid.NewString(),
		IssuedAt: now.Unix(),
		Expiry:   expires.Unix(),
		Issuer:   tokenIssuer,
		Audience: tokenAudience,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64URLEncode(payload)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(jwtHeader + "." + payloadB64))
	sig := base64URLEncode(mac.Sum(nil))

	return jwtHeader + "." + payloadB64 + "." + sig, expires, nil
}

func (s *TokenService) verifyJWT(tokenStr string) (*user.TokenClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token")
	}
	if parts[0] != jwtHeader {
		return nil, fmt.Errorf("unexpected token header")
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expectedSig := base64URLEncode(mac.Sum(nil))
	if !hmac.Equal([]byte(parts[2]), []byte(expectedSig)) {
		return nil, fmt.Errorf("invalid signature")
	}

	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	var claims user.TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal claims: %w", err)
	}

	now := s.now().Unix()
	if claims.Expiry <= now {
		return nil, fmt.Errorf("token expired")
	}
	if claims.Issuer != tokenIssuer || claims.Audience != tokenAudience {
		return nil, fmt.Errorf("wrong issuer or audience")
	}
	return &claims, nil
}

func revCacheKey(jti string) string {
	return "rev:" + jti
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(s string) ([]byte, error) {
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(s)
}

func hashSHA256(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func generateRandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64URLEncode(b), nil
}
