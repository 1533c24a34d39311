package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/user"
)

func (s *Store) UpsertUserByEmail(ctx context.Context, email string, role user.Role) (*user.User, error) {
	const q = `
		INSERT INTO users (email, role)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET updated_at = now()
		RETURNING id, email, role, status, created_at, updated_at`
	var u user.User
	err := s.pool.QueryRow(ctx, q, email, role).
		Scan(&u.ID, &u.Email, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*user.User, error) {
	const q = `SELECT id, email, role, status, created_at, updated_at FROM users WHERE id = $1`
	var u user.User
	err := s.pool.QueryRow(ctx, q, id).
		Scan(&u.ID, &u.Email, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get user")
	}
	return &u, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *user.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO sessions (id, user_id, device_name, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, sess.ID, sess.UserID, sess.DeviceName, sess.ExpiresAt).
		Scan(&sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row scannable) (*user.Session, error) {
	var (
		sess       user.Session
		deviceName *string
		revokedAt  *time.Time
	)
	err := row.Scan(&sess.ID, &sess.UserID, &deviceName, &sess.ExpiresAt,
		&revokedAt, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	if deviceName != nil {
		sess.DeviceName = *deviceName
	}
	if revokedAt != nil {
		sess.RevokedAt = *revokedAt
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*user.Session, error) {
	const q = `SELECT id, user_id, device_name, expires_at, revoked_at, created_at
		FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get session")
	}
	return sess, nil
}

func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	const q = `UPDATE sessions SET expires_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, id, expiresAt)
	return execExpectOne(tag, err, "extend session")
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, id)
	return execExpectOne(tag, err, "revoke session")
}

func (s *Store) CreateRefreshToken(ctx context.Context, rt *user.RefreshToken) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO refresh_tokens (id, session_id, user_id, token_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, rt.ID, rt.SessionID, rt.UserID, rt.TokenHash).
		Scan(&rt.CreatedAt)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func scanRefreshToken(row scannable) (*user.RefreshToken, error) {
	var (
		rt        user.RefreshToken
		revokedAt *time.Time
	)
	err := row.Scan(&rt.ID, &rt.SessionID, &rt.UserID, &rt.TokenHash,
		&revokedAt, &rt.CreatedAt)
	if err != nil {
		return nil, err
	}
	if revokedAt != nil {
		rt.RevokedAt = *revokedAt
	}
	return &rt, nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*user.RefreshToken, error) {
	const q = `SELECT id, session_id, user_id, token_hash, revoked_at, created_at
		FROM refresh_tokens WHERE token_hash = $1`
	rt, err := scanRefreshToken(s.pool.QueryRow(ctx, q, tokenHash))
	if err != nil {
		return nil, notFoundWrap(err, "get refresh token")
	}
	return rt, nil
}

// RotateRefreshToken performs the single-use exchange. The presented row
// is locked FOR UPDATE so two concurrent exchanges of the same secret
// serialize: the first revokes it, the second sees revoked_at set and
// gets domain.ErrConflict.
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenHash string, newRT *user.RefreshToken, sessionExpiresAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rotate refresh token: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lockQ = `SELECT id, session_id, user_id, token_hash, revoked_at, created_at
		FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`
	old, err := scanRefreshToken(tx.QueryRow(ctx, lockQ, oldTokenHash))
	if err != nil {
		return notFoundWrap(err, "rotate refresh token")
	}
	if !old.RevokedAt.IsZero() {
		return fmt.Errorf("refresh token already rotated: %w", domain.ErrConflict)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1`, old.ID); err != nil {
		return fmt.Errorf("rotate refresh token: revoke old: %w", err)
	}

	if newRT.ID == "" {
		newRT.ID = uuid.NewString()
	}
	newRT.SessionID = old.SessionID
	newRT.UserID = old.UserID
	err = tx.QueryRow(ctx,
		`INSERT INTO refresh_tokens (id, session_id, user_id, token_hash)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		newRT.ID, newRT.SessionID, newRT.UserID, newRT.TokenHash).
		Scan(&newRT.CreatedAt)
	if err != nil {
		return fmt.Errorf("rotate refresh token: insert new: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET expires_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		old.SessionID, sessionExpiresAt)
	if err := execExpectOne(tag, err, "rotate refresh token: extend session"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rotate refresh token: commit: %w", err)
	}
	return nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	const q = `UPDATE refresh_tokens SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, tokenHash)
	return execExpectOne(tag, err, "revoke refresh token")
}

func (s *Store) RevokeSessionTokens(ctx context.Context, sessionID string) error {
	const q = `UPDATE refresh_tokens SET revoked_at = now()
		WHERE session_id = $1 AND revoked_at IS NULL`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	return nil
}

func (s *Store) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	const q = `INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, jti, expiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`
	var revoked bool
	if err := s.pool.QueryRow(ctx, q, jti).Scan(&revoked); err != nil {
		return false, fmt.Errorf("is token revoked: %w", err)
	}
	return revoked, nil
}

func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	const q = `DELETE FROM revoked_tokens WHERE expires_at < now()`
	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateAuditLog(ctx context.Context, a *user.AuditLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var userID *string
	if a.UserID != "" {
		userID = &a.UserID
	}
	const q = `
		INSERT INTO audit_logs (id, user_id, action, resource, resource_id, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, a.ID, userID, a.Action, a.Resource,
		a.ResourceID, a.IP, a.UserAgent).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func (s *Store) CreateLoginAttempt(ctx context.Context, la *user.LoginAttempt) error {
	if la.ID == "" {
		la.ID = uuid.NewString()
	}
	var userID *string
	if la.UserID != "" {
		userID = &la.UserID
	}
	const q = `
		INSERT INTO login_attempts (id, user_id, success, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, la.ID, userID, la.Success, la.IP, la.UserAgent).
		Scan(&la.CreatedAt)
	if err != nil {
		return fmt.Errorf("create login attempt: %w", err)
	}
	return nil
}
