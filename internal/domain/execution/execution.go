// Package execution defines audit records for agent runs and tool calls.
package execution

import (
	"encoding/json"
	"time"
)

// Status represents the state of one execution attempt record.
// Retries within a single runtime call do not create new records.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// TokenUsage counts model tokens consumed by one execution.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Execution is the audit/telemetry record of one runtime execute call.
type Execution struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	TaskID       string          `json:"task_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Model        string          `json:"model"`
	Status       Status          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Error        string          `json:"error,omitempty"`
	Tokens       TokenUsage      `json:"tokens"`
	CostUSD      float64         `json:"cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at,omitzero"`
}

// ToolCall records one tool invocation by a running execution.
// Every ToolCall references an execution that was RUNNING at call time.
type ToolCall struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	ToolVersion string          `json:"tool_version"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// Context carries per-execution metadata through the runtime pipeline.
type Context struct {
	AgentID       string         `json:"agent_id"`
	TaskID        string         `json:"task_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	AttemptNumber int            `json:"attempt_number"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of one runtime execute call.
type Result struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Tokens     TokenUsage      `json:"tokens"`
	CostUSD    float64         `json:"cost_usd"`
	DurationMs int64           `json:"duration_ms"`
}
