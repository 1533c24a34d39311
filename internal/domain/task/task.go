// Package task defines the AgentTask domain entity and its bus envelope.
package task

import (
	"encoding/json"
	"time"

	"github.com/litree/labsos/internal/domain/agent"
)

// Status represents the current state of a task. A task reaches exactly
// one terminal state (COMPLETED or FAILED), set by the worker.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Task represents one unit of work addressed to an agent.
type Task struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Action          string          `json:"action"`
	Input           json.RawMessage `json:"input,omitempty"`
	Status          Status          `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
}

// Envelope is the wire format published to the agent.tasks subject and
// decoded by the worker.
type Envelope struct {
	ExecutionID string          `json:"execution_id"`
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	AgentType   agent.Type      `json:"agent_type"`
	Action      string          `json:"action"`
	Input       json.RawMessage `json:"input,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}
