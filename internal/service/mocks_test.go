package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/execution"
	"github.com/litree/labsos/internal/domain/idempotency"
	"github.com/litree/labsos/internal/domain/market"
	"github.com/litree/labsos/internal/domain/task"
	"github.com/litree/labsos/internal/domain/user"
	"github.com/litree/labsos/internal/port/messagequeue"
)

// mockStore implements database.Store in memory.
type mockStore struct {
	mu sync.Mutex

	agents    map[string]*agent.Agent
	tasks     map[string]*task.Task
	execs     map[string]*execution.Execution
	toolCalls map[string]*execution.ToolCall
	idem      map[string]*idempotency.Record
	users     map[string]*user.User
	sessions  map[string]*user.Session
	refresh   map[string]*user.RefreshToken
	revoked   map[string]time.Time
	assets    map[string]*market.Asset
	listings  map[string]*market.Listing
	trades    map[string]*market.Trade

	audits   []user.AuditLog
	attempts []user.LoginAttempt

	nextID int

	// Error hooks — set these to inject failures.
	createExecutionErr error
	insertIdemErr      error
	escrowErr          error
	settleErr          error
	isRevokedErr       error
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:    make(map[string]*agent.Agent),
		tasks:     make(map[string]*task.Task),
		execs:     make(map[string]*execution.Execution),
		toolCalls: make(map[string]*execution.ToolCall),
		idem:      make(map[string]*idempotency.Record),
		users:     make(map[string]*user.User),
		sessions:  make(map[string]*user.Session),
		refresh:   make(map[string]*user.RefreshToken),
		revoked:   make(map[string]time.Time),
		assets:    make(map[string]*market.Asset),
		listings:  make(map[string]*market.Listing),
		trades:    make(map[string]*market.Trade),
	}
}

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.id("agent")
	}
	a.CreatedAt = time.Now()
	m.agents[a.ID] = a
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (m *mockStore) GetActiveAgentByType(_ context.Context, t agent.Type) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Type == t && a.Status == agent.StatusActive {
			return a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *mockStore) RecordAgentResult(_ context.Context, id string, success bool, latencyMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if success {
		a.AverageLatencyMs = agent.RollAverageLatency(a.AverageLatencyMs, a.TotalExecutions, latencyMs)
		a.SuccessCount++
		a.LastExecutedAt = time.Now()
	} else {
		a.FailureCount++
	}
	a.TotalExecutions++
	return nil
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = m.id("task")
	}
	t.CreatedAt = time.Now()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *mockStore) CompleteTask(_ context.Context, id string, output json.RawMessage, executionTimeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = task.StatusCompleted
	t.Output = output
	t.ExecutionTimeMs = executionTimeMs
	t.CompletedAt = time.Now()
	return nil
}

func (m *mockStore) FailTask(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = task.StatusFailed
	t.Error = errMsg
	return nil
}

func (m *mockStore) CreateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createExecutionErr != nil {
		return m.createExecutionErr
	}
	if e.ID == "" {
		e.ID = m.id("exec")
	}
	e.StartedAt = time.Now()
	m.execs[e.ID] = e
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (m *mockStore) CompleteExecution(_ context.Context, id string, output json.RawMessage, reasoning string, tokens execution.TokenUsage, costUSD float64, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = execution.StatusSuccess
	e.Output = output
	e.Reasoning = reasoning
	e.Tokens = tokens
	e.CostUSD = costUSD
	e.DurationMs = durationMs
	e.CompletedAt = time.Now()
	return nil
}

func (m *mockStore) FailExecution(_ context.Context, id string, errMsg string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = execution.StatusFailure
	e.Error = errMsg
	e.DurationMs = durationMs
	e.CompletedAt = time.Now()
	return nil
}

func (m *mockStore) CreateToolCall(_ context.Context, tc *execution.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc.ID == "" {
		tc.ID = m.id("tc")
	}
	tc.CreatedAt = time.Now()
	m.toolCalls[tc.ID] = tc
	return nil
}

func (m *mockStore) CompleteToolCall(_ context.Context, id string, result json.RawMessage, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.toolCalls[id]
	if !ok {
		return domain.ErrNotFound
	}
	tc.Status = execution.StatusSuccess
	tc.Result = result
	tc.DurationMs = durationMs
	return nil
}

func (m *mockStore) FailToolCall(_ context.Context, id string, errMsg string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.toolCalls[id]
	if !ok {
		return domain.ErrNotFound
	}
	tc.Status = execution.StatusFailure
	tc.Error = errMsg
	tc.DurationMs = durationMs
	return nil
}

func (m *mockStore) ListToolCalls(_ context.Context, executionID string) ([]execution.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execution.ToolCall
	for _, tc := range m.toolCalls {
		if tc.ExecutionID == executionID {
			out = append(out, *tc)
		}
	}
	return out, nil
}

func (m *mockStore) InsertIdempotencyKey(_ context.Context, rec *idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertIdemErr != nil {
		return m.insertIdemErr
	}
	if _, exists := m.idem[rec.Key]; exists {
		return fmt.Errorf("idempotency key %q: %w", rec.Key, domain.ErrConflict)
	}
	cp := *rec
	cp.CreatedAt = time.Now()
	m.idem[rec.Key] = &cp
	return nil
}

func (m *mockStore) GetIdempotencyKey(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) UpdateIdempotencyKey(_ context.Context, key string, status idempotency.Status, response json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.Response = response
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) UpsertUserByEmail(_ context.Context, email string, role user.Role) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	u := &user.User{
		ID:        m.id("user"),
		Email:     email,
		Role:      role,
		Status:    user.StatusActive,
		CreatedAt: time.Now(),
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *mockStore) GetUser(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (m *mockStore) CreateSession(_ context.Context, s *user.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = m.id("sess")
	}
	s.CreatedAt = time.Now()
	m.sessions[s.ID] = s
	return nil
}

func (m *mockStore) GetSession(_ context.Context, id string) (*user.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	return nil
}

func (m *mockStore) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.RevokedAt = time.Now()
	return nil
}

func (m *mockStore) CreateRefreshToken(_ context.Context, rt *user.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt.ID == "" {
		rt.ID = m.id("rt")
	}
	rt.CreatedAt = time.Now()
	m.refresh[rt.TokenHash] = rt
	return nil
}

func (m *mockStore) GetRefreshTokenByHash(_ context.Context, tokenHash string) (*user.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rt, nil
}

func (m *mockStore) RotateRefreshToken(_ context.Context, oldTokenHash string, newRT *user.RefreshToken, sessionExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refresh[oldTokenHash]
	if !ok {
		return domain.ErrNotFound
	}
	if !old.RevokedAt.IsZero() {
		return domain.ErrConflict
	}
	old.RevokedAt = time.Now()
	newRT.ID = m.id("rt")
	newRT.SessionID = old.SessionID
	newRT.UserID = old.UserID
	m.refresh[newRT.TokenHash] = newRT
	if s, ok := m.sessions[old.SessionID]; ok {
		s.ExpiresAt = sessionExpiresAt
	}
	return nil
}

func (m *mockStore) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[tokenHash]
	if !ok {
		return domain.ErrNotFound
	}
	rt.RevokedAt = time.Now()
	return nil
}

func (m *mockStore) RevokeSessionTokens(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.refresh {
		if rt.SessionID == sessionID {
			rt.RevokedAt = time.Now()
		}
	}
	return nil
}

func (m *mockStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *mockStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRevokedErr != nil {
		return false, m.isRevokedErr
	}
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *mockStore) PurgeExpiredTokens(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, exp := range m.revoked {
		if time.Now().After(exp) {
			delete(m.revoked, jti)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CreateAuditLog(_ context.Context, a *user.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *a)
	return nil
}

func (m *mockStore) CreateLoginAttempt(_ context.Context, la *user.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *la)
	return nil
}

func (m *mockStore) CreateAssetWithShares(_ context.Context, a *market.Asset, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.id("asset")
	}
	a.CreatedAt = time.Now()
	a.Shares = []market.Share{{ID: m.id("share"), AssetID: a.ID, OwnerID: ownerID, Shares: a.TotalShares}}
	m.assets[a.ID] = a
	return nil
}

func (m *mockStore) GetAsset(_ context.Context, id string) (*market.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (m *mockStore) CreateListing(_ context.Context, l *market.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = m.id("listing")
	}
	l.Status = market.ListingActive
	l.CreatedAt = time.Now()
	m.listings[l.ID] = l
	return nil
}

func (m *mockStore) GetListing(_ context.Context, id string) (*market.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l, nil
}

func (m *mockStore) ListActiveListings(_ context.Context, _ int) ([]market.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Listing
	for _, l := range m.listings {
		if l.Status == market.ListingActive {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *mockStore) GetTrade(_ context.Context, id string) (*market.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) EscrowTrade(_ context.Context, listingID, buyerID, idempotencyKey string) (*market.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escrowErr != nil {
		return nil, m.escrowErr
	}
	l, ok := m.listings[listingID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if l.Status != market.ListingActive {
		return nil, fmt.Errorf("listing %s is %s: %w", listingID, l.Status, domain.ErrConflict)
	}
	l.Status = market.ListingSold
	t := &market.Trade{
		ID:             m.id("trade"),
		ListingID:      listingID,
		AssetID:        l.AssetID,
		BuyerID:        buyerID,
		SellerID:       l.SellerID,
		Shares:         l.Shares,
		PriceCents:     l.PriceCents,
		Status:         market.TradeEscrowed,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	m.trades[t.ID] = t
	return t, nil
}

func (m *mockStore) SettleTrade(_ context.Context, tradeID string) (bool, *market.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return false, nil, m.settleErr
	}
	t, ok := m.trades[tradeID]
	if !ok {
		return false, nil, domain.ErrNotFound
	}
	if t.Status == market.TradeSettled {
		return false, t, nil
	}
	t.Status = market.TradeSettled
	t.SettledAt = time.Now()
	return true, t, nil
}

// mockQueue records publishes and lets tests deliver messages straight
// into subscribed handlers.
type mockQueue struct {
	mu         sync.Mutex
	published  []publishedMsg
	handlers   map[string]messagequeue.Handler
	publishErr error
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newMockQueue() *mockQueue {
	return &mockQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, _ messagequeue.SubscribeOptions, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = handler
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// deliver invokes the handler registered on subject, as the broker would.
func (q *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h, ok := q.handlers[subject]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler subscribed on %s", subject)
	}
	return h(ctx, subject, data)
}

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.published {
		out = append(out, p.subject)
	}
	return out
}

// memCache implements cache.Cache in memory.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
