package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/litree/labsos/internal/domain/execution"
)

const executionColumns = `id, agent_id, task_id, input, context, system_prompt,
	model, status, output, reasoning, error, input_tokens, output_tokens,
	total_tokens, cost_usd, duration_ms, started_at, completed_at`

func scanExecution(row scannable) (*execution.Execution, error) {
	var (
		e           execution.Execution
		taskID      *string
		reasoning   *string
		errMsg      *string
		completedAt *time.Time
	)
	err := row.Scan(&e.ID, &e.AgentID, &taskID, &e.Input, &e.Context,
		&e.SystemPrompt, &e.Model, &e.Status, &e.Output, &reasoning, &errMsg,
		&e.Tokens.Input, &e.Tokens.Output, &e.Tokens.Total, &e.CostUSD,
		&e.DurationMs, &e.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if taskID != nil {
		e.TaskID = *taskID
	}
	if reasoning != nil {
		e.Reasoning = *reasoning
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if completedAt != nil {
		e.CompletedAt = *completedAt
	}
	return &e, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = execution.StatusRunning
	}
	var taskID *string
	if e.TaskID != "" {
		taskID = &e.TaskID
	}
	// Envelope-driven executions carry a pre-minted ID; a redelivered
	// envelope reclaims its abandoned row rather than conflicting.
	const q = `
		INSERT INTO agent_executions (id, agent_id, task_id, input, context, system_prompt, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, started_at = now(),
		    output = NULL, reasoning = NULL, error = NULL, completed_at = NULL
		RETURNING started_at`
	err := s.pool.QueryRow(ctx, q, e.ID, e.AgentID, taskID, e.Input,
		e.Context, e.SystemPrompt, e.Model, e.Status).Scan(&e.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM agent_executions WHERE id = $1`
	e, err := scanExecution(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundWrap(err, "get execution")
	}
	return e, nil
}

func (s *Store) CompleteExecution(ctx context.Context, id string, output json.RawMessage, reasoning string, tokens execution.TokenUsage, costUSD float64, durationMs int64) error {
	const q = `
		UPDATE agent_executions SET
			status = $2, output = $3, reasoning = $4,
			input_tokens = $5, output_tokens = $6, total_tokens = $7,
			cost_usd = $8, duration_ms = $9, completed_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, execution.StatusSuccess, output,
		reasoning, tokens.Input, tokens.Output, tokens.Total, costUSD, durationMs)
	return execExpectOne(tag, err, "complete execution")
}

func (s *Store) FailExecution(ctx context.Context, id string, errMsg string, durationMs int64) error {
	const q = `
		UPDATE agent_executions SET
			status = $2, error = $3, duration_ms = $4, completed_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, execution.StatusFailure, errMsg, durationMs)
	return execExpectOne(tag, err, "fail execution")
}

func (s *Store) CreateToolCall(ctx context.Context, tc *execution.ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.Status == "" {
		tc.Status = execution.StatusRunning
	}
	if tc.ToolVersion == "" {
		tc.ToolVersion = "1.0"
	}
	const q = `
		INSERT INTO tool_calls (id, agent_id, execution_id, tool_name, tool_version, arguments, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, tc.ID, tc.AgentID, tc.ExecutionID,
		tc.ToolName, tc.ToolVersion, tc.Arguments, tc.Status).Scan(&tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	return nil
}

func (s *Store) CompleteToolCall(ctx context.Context, id string, result json.RawMessage, durationMs int64) error {
	const q = `
		UPDATE tool_calls SET
			status = $2, result = $3, duration_ms = $4, completed_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, execution.StatusSuccess, result, durationMs)
	return execExpectOne(tag, err, "complete tool call")
}

func (s *Store) FailToolCall(ctx context.Context, id string, errMsg string, durationMs int64) error {
	const q = `
		UPDATE tool_calls SET
			status = $2, error = $3, duration_ms = $4, completed_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, execution.StatusFailure, errMsg, durationMs)
	return execExpectOne(tag, err, "fail tool call")
}

func (s *Store) ListToolCalls(ctx context.Context, executionID string) ([]execution.ToolCall, error) {
	const q = `
		SELECT id, agent_id, execution_id, tool_name, tool_version, arguments,
			status, result, error, duration_ms, created_at, completed_at
		FROM tool_calls
		WHERE execution_id = $1
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []execution.ToolCall
	for rows.Next() {
		var (
			tc          execution.ToolCall
			errMsg      *string
			completedAt *time.Time
		)
		err := rows.Scan(&tc.ID, &tc.AgentID, &tc.ExecutionID, &tc.ToolName,
			&tc.ToolVersion, &tc.Arguments, &tc.Status, &tc.Result, &errMsg,
			&tc.DurationMs, &tc.CreatedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("list tool calls: %w", err)
		}
		if errMsg != nil {
			tc.Error = *errMsg
		}
		if completedAt != nil {
			tc.CompletedAt = *completedAt
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
