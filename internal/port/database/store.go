// Package database defines the database store port (interface).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/execution"
	"github.com/litree/labsos/internal/domain/idempotency"
	"github.com/litree/labsos/internal/domain/market"
	"github.com/litree/labsos/internal/domain/task"
	"github.com/litree/labsos/internal/domain/user"
)

// Store is the port interface for all persistent state. The relational
// store is the single synchronization point: cross-process coordination
// (idempotency, token rotation, trade transitions) is done with
// conditional and transactional writes here, never in-memory locks.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	GetActiveAgentByType(ctx context.Context, t agent.Type) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error
	// RecordAgentResult increments the execution counters and, on success,
	// folds latencyMs into the rolling average and stamps LastExecutedAt.
	RecordAgentResult(ctx context.Context, id string, success bool, latencyMs float64) error

	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	CompleteTask(ctx context.Context, id string, output json.RawMessage, executionTimeMs int64) error
	FailTask(ctx context.Context, id string, errMsg string) error

	// Executions
	CreateExecution(ctx context.Context, e *execution.Execution) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	CompleteExecution(ctx context.Context, id string, output json.RawMessage, reasoning string, tokens execution.TokenUsage, costUSD float64, durationMs int64) error
	FailExecution(ctx context.Context, id string, errMsg string, durationMs int64) error

	// Tool calls
	CreateToolCall(ctx context.Context, tc *execution.ToolCall) error
	CompleteToolCall(ctx context.Context, id string, result json.RawMessage, durationMs int64) error
	FailToolCall(ctx context.Context, id string, errMsg string, durationMs int64) error
	ListToolCalls(ctx context.Context, executionID string) ([]execution.ToolCall, error)

	// Idempotency. InsertIdempotencyKey returns domain.ErrConflict when the
	// key already exists.
	InsertIdempotencyKey(ctx context.Context, rec *idempotency.Record) error
	GetIdempotencyKey(ctx context.Context, key string) (*idempotency.Record, error)
	UpdateIdempotencyKey(ctx context.Context, key string, status idempotency.Status, response json.RawMessage) error

	// Users and sessions
	UpsertUserByEmail(ctx context.Context, email string, role user.Role) (*user.User, error)
	GetUser(ctx context.Context, id string) (*user.User, error)
	CreateSession(ctx context.Context, s *user.Session) error
	GetSession(ctx context.Context, id string) (*user.Session, error)
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	RevokeSession(ctx context.Context, id string) error

	// Refresh tokens. Tokens are revoked, never deleted, so replays of a
	// rotated secret remain detectable.
	CreateRefreshToken(ctx context.Context, rt *user.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*user.RefreshToken, error)
	// RotateRefreshToken locks the presented token row, revokes it, inserts
	// the replacement, and extends the owning session, all in one
	// transaction. Returns domain.ErrConflict if the token is already
	// revoked (a replay raced the rotation).
	RotateRefreshToken(ctx context.Context, oldTokenHash string, newRT *user.RefreshToken, sessionExpiresAt time.Time) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeSessionTokens(ctx context.Context, sessionID string) error

	// Access-token revocation denylist
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)

	// Audit
	CreateAuditLog(ctx context.Context, a *user.AuditLog) error
	CreateLoginAttempt(ctx context.Context, la *user.LoginAttempt) error

	// Marketplace
	CreateAssetWithShares(ctx context.Context, a *market.Asset, ownerID string) error
	GetAsset(ctx context.Context, id string) (*market.Asset, error)
	CreateListing(ctx context.Context, l *market.Listing) error
	GetListing(ctx context.Context, id string) (*market.Listing, error)
	ListActiveListings(ctx context.Context, limit int) ([]market.Listing, error)
	GetTrade(ctx context.Context, id string) (*market.Trade, error)
	// EscrowTrade validates the listing (ACTIVE, tradable asset, shares
	// available), creates the trade in ESCROWED state, and marks the
	// listing SOLD, all in one transaction.
	EscrowTrade(ctx context.Context, listingID, buyerID, idempotencyKey string) (*market.Trade, error)
	// SettleTrade transfers shares, writes debit/credit ledger rows, and
	// moves the trade to SETTLED in one transaction. Settling an
	// already-SETTLED trade is a no-op and returns settled=false.
	SettleTrade(ctx context.Context, tradeID string) (settled bool, t *market.Trade, err error)
}
