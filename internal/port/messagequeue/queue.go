// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"time"
)

// Handler processes a message received from the queue. Returning an error
// causes the message to be negatively acknowledged and redelivered per the
// broker retry policy; the broker therefore provides at-least-once, not
// exactly-once, delivery.
type Handler func(ctx context.Context, subject string, data []byte) error

// SubscribeOptions tune a durable subscription.
type SubscribeOptions struct {
	// Durable names the consumer group. Delivery position survives process
	// restarts; multiple processes sharing the name share the work.
	Durable string
	// MaxInFlight bounds outstanding unacknowledged deliveries.
	MaxInFlight int
	// IdleHeartbeat detects stalled consumers.
	IdleHeartbeat time.Duration
}

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler on a durable consumer for the subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, opts SubscribeOptions, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the LabsOS bus.
const (
	// Task dispatch
	SubjectAgentTasks = "agent.tasks"

	// Agent lifecycle events
	SubjectExecutionSuccess = "agent.execution.success"
	SubjectExecutionFailure = "agent.execution.failure"
	SubjectTaskCompleted    = "agent.task.completed"
	SubjectTaskFailed       = "agent.task.failed"

	// Marketplace domain events
	SubjectTradeRequested = "market.trade.requested"
	SubjectTradeEscrowed  = "market.trade.escrowed"
	SubjectTradeSettled   = "market.trade.settled"
	SubjectTradeFailed    = "market.trade.failed"
)
