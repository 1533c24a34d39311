// Package idempotency defines the exactly-once guard record for
// externally-triggered side effects.
package idempotency

import (
	"encoding/json"
	"time"
)

// Status tracks the lifecycle of one guarded operation.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record is the guard row. Key is caller-supplied and unique; RequestHash
// binds the key to one logical request body so key reuse across distinct
// requests is detectable.
type Record struct {
	Key         string          `json:"key"`
	Scope       string          `json:"scope"`
	UserID      string          `json:"user_id"`
	RequestHash string          `json:"request_hash"`
	Status      Status          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
