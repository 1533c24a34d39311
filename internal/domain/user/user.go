// Package user defines identities, sessions, refresh tokens, and the
// permission model.
package user

import "time"

// Role is the closed set of principal roles.
type Role string

const (
	RoleUser    Role = "USER"
	RoleMod     Role = "MOD"
	RoleAdmin   Role = "ADMIN"
	RoleService Role = "SERVICE"
)

// ValidRoles enumerates the assignable roles (SERVICE is granted only to
// internal callers via the static service token, never stored).
var ValidRoles = map[Role]bool{
	RoleUser:  true,
	RoleMod:   true,
	RoleAdmin: true,
}

// Status represents the administrative state of a user account.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

// User is a principal that may hold sessions and enqueue work.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session groups the refresh tokens of one login. Revoking a session
// invalidates all of its refresh tokens.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	DeviceName string    `json:"device_name,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	RevokedAt  time.Time `json:"revoked_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
}

// Revoked reports whether the session has been revoked or has expired.
func (s *Session) Revoked(now time.Time) bool {
	return !s.RevokedAt.IsZero() || now.After(s.ExpiresAt)
}

// RefreshToken stores only a one-way hash of an opaque refresh secret.
// A token is exchanged at most once: rotation revokes it (RevokedAt set,
// row kept) so a replay is detectable as a compromise signal.
type RefreshToken struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenClaims is the payload of a signed access token.
type TokenClaims struct {
	Subject  string   `json:"sub"`
	Role     Role     `json:"role"`
	Perms    []string `json:"perms"`
	JTI      string   `json:"jti"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
}

// AuditLog records a security-relevant event.
type AuditLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoginAttempt records one authentication attempt.
type LoginAttempt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Success   bool      `json:"success"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission strings. Matching is exact: no hierarchy, no wildcards.
const (
	PermAssetCreate  = "marketplace:asset:create"
	PermAssetList    = "marketplace:asset:list"
	PermTradeRequest = "marketplace:trade:request"
	PermAdmin        = "marketplace:admin"
	PermAgentExecute = "agents:execute"
)

// PermsForRole returns the permission set granted to a role on token
// issuance. SERVICE scopes come from configuration, not from here.
func PermsForRole(r Role) []string {
	base := []string{
		PermAssetCreate,
		PermAssetList,
		PermTradeRequest,
		PermAgentExecute,
	}
	if r == RoleAdmin || r == RoleMod {
		base = append(base, PermAdmin)
	}
	return base
}
