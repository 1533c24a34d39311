// Package agent defines the Agent domain entity.
package agent

import (
	"fmt"
	"time"
)

// Type identifies a class of agent behavior. The set is closed: adding a
// type requires updating every switch over Type.
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeAnalytics Type = "ANALYTICS"
	TypeContent   Type = "CONTENT"
	TypeScheduler Type = "SCHEDULER"
	TypeAdmin     Type = "ADMIN"
)

// Types lists all known agent types in a stable order.
var Types = []Type{TypeMarket, TypeAnalytics, TypeContent, TypeScheduler, TypeAdmin}

// ParseType validates a raw string against the closed type set.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeMarket, TypeAnalytics, TypeContent, TypeScheduler, TypeAdmin:
		return t, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", s)
	}
}

// Status represents the administrative state of an agent.
// Agents are deactivated, never hard-deleted.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Config holds per-agent model and resilience settings.
type Config struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Timeout     time.Duration `json:"timeout"`
}

// Agent represents a typed executor of domain logic. Rows are created at
// boot-time seeding and mutated by the worker after every execution.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Type             Type      `json:"type"`
	Description      string    `json:"description,omitempty"`
	Status           Status    `json:"status"`
	SystemPrompt     string    `json:"system_prompt,omitempty"`
	Config           Config    `json:"config"`
	Capabilities     []string  `json:"capabilities,omitempty"`
	TotalExecutions  int64     `json:"total_executions"`
	SuccessCount     int64     `json:"success_count"`
	FailureCount     int64     `json:"failure_count"`
	LastExecutedAt   time.Time `json:"last_executed_at,omitzero"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RollAverageLatency folds one observed latency into the rolling average.
// Must be applied together with the TotalExecutions increment.
func RollAverageLatency(current float64, totalBefore int64, observedMs float64) float64 {
	if totalBefore <= 0 {
		return observedMs
	}
	return (current*float64(totalBefore) + observedMs) / float64(totalBefore+1)
}
