package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "labsos"

// Metrics holds all runtime metric instruments.
type Metrics struct {
	ExecutionsStarted   metric.Int64Counter
	ExecutionsSucceeded metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionRetries    metric.Int64Counter
	ToolCalls           metric.Int64Counter
	TradesSettled       metric.Int64Counter
	ExecutionDuration   metric.Float64Histogram
	ExecutionCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments against the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ExecutionsStarted, err = meter.Int64Counter("labsos.executions.started",
		metric.WithDescription("Agent executions started"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsSucceeded, err = meter.Int64Counter("labsos.executions.succeeded",
		metric.WithDescription("Agent executions that completed successfully"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsFailed, err = meter.Int64Counter("labsos.executions.failed",
		metric.WithDescription("Agent executions that exhausted retries"))
	if err != nil {
		return nil, err
	}

	m.ExecutionRetries, err = meter.Int64Counter("labsos.executions.retries",
		metric.WithDescription("Retry attempts across all executions"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("labsos.toolcalls",
		metric.WithDescription("Tool invocations by agents"))
	if err != nil {
		return nil, err
	}

	m.TradesSettled, err = meter.Int64Counter("labsos.trades.settled",
		metric.WithDescription("Trades settled"))
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("labsos.execution.duration_seconds",
		metric.WithDescription("Agent execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ExecutionCost, err = meter.Float64Histogram("labsos.execution.cost_usd",
		metric.WithDescription("Agent execution cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
