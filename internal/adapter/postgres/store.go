package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/task"
	"github.com/litree/labsos/internal/port/database"
)

// Store implements database.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore wraps pool in a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const agentColumns = `id, name, type, description, status, system_prompt, config,
	capabilities, total_executions, success_count, failure_count,
	last_executed_at, average_latency_ms, created_at, updated_at`

func scanAgent(row scannable) (*agent.Agent, error) {
	var (
		a         agent.Agent
		cfgJSON   []byte
		lastExec  *time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Description, &a.Status,
		&a.SystemPrompt, &cfgJSON, &a.Capabilities, &a.TotalExecutions,
		&a.SuccessCount, &a.FailureCount, &lastExec, &a.AverageLatencyMs,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &a.Config); err != nil {
			return nil, fmt.Errorf("decode agent config: %w", err)
		}
	}
	if lastExec != nil {
		a.LastExecutedAt = *lastExec
	}
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = agent.StatusActive
	}
	cfgJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	const q = `
		INSERT INTO agents (id, name, type, description, status, system_prompt, config, capabilities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	err = s.pool.QueryRow(ctx, q, a.ID, a.Name, a.Type, a.Description,
		a.Status, a.SystemPrompt, cfgJSON, a.Capabilities).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get agent")
	}
	return a, nil
}

func (s *Store) GetActiveAgentByType(ctx context.Context, t agent.Type) (*agent.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents
		WHERE type = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1`
	a, err := scanAgent(s.pool.QueryRow(ctx, q, t, agent.StatusActive))
	if err != nil {
		return nil, notFoundWrap(err, "get active agent by type")
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error {
	const q = `UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status)
	return execExpectOne(tag, err, "update agent status")
}

// RecordAgentResult folds one execution outcome into the agent counters.
// The rolling average and LastExecutedAt only move on success, matching
// what the counters mean to the scheduler: "how fast does this agent
// complete work", not "how fast does it fail".
func (s *Store) RecordAgentResult(ctx context.Context, id string, success bool, latencyMs float64) error {
	var q string
	if success {
		q = `UPDATE agents SET
			total_executions = total_executions + 1,
			success_count = success_count + 1,
			average_latency_ms = (average_latency_ms * total_executions + $2) / (total_executions + 1),
			last_executed_at = now(),
			updated_at = now()
		WHERE id = $1`
	} else {
		q = `UPDATE agents SET
			total_executions = total_executions + 1,
			failure_count = failure_count + 1,
			updated_at = now()
		WHERE id = $1`
	}
	args := []any{id}
	if success {
		args = append(args, latencyMs)
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	return execExpectOne(tag, err, "record agent result")
}

const taskColumns = `id, agent_id, action, input, status, output, error,
	execution_time_ms, created_at, updated_at, completed_at`

func scanTask(row scannable) (*task.Task, error) {
	var (
		t           task.Task
		errMsg      *string
		execTimeMs  *int64
		completedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.Action, &t.Input, &t.Status,
		&t.Output, &errMsg, &execTimeMs, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	if execTimeMs != nil {
		t.ExecutionTimeMs = *execTimeMs
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	const q = `
		INSERT INTO agent_tasks (id, agent_id, action, input, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, t.ID, t.AgentID, t.Action, t.Input, t.Status).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get task")
	}
	return t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	const q = `UPDATE agent_tasks SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status)
	return execExpectOne(tag, err, "update task status")
}

func (s *Store) CompleteTask(ctx context.Context, id string, output json.RawMessage, executionTimeMs int64) error {
	const q = `
		UPDATE agent_tasks SET
			status = $2, output = $3, execution_time_ms = $4,
			completed_at = now(), updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, task.StatusCompleted, output, executionTimeMs)
	return execExpectOne(tag, err, "complete task")
}

func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	const q = `
		UPDATE agent_tasks SET
			status = $2, error = $3, completed_at = now(), updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, task.StatusFailed, errMsg)
	return execExpectOne(tag, err, "fail task")
}
