package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/litree/labsos/internal/adapter/otel"
	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/execution"
	"github.com/litree/labsos/internal/domain/tool"
	"github.com/litree/labsos/internal/port/aimodel"
	"github.com/litree/labsos/internal/port/database"
	"github.com/litree/labsos/internal/port/messagequeue"
	"github.com/litree/labsos/internal/resilience"
)

// Behavior supplies the type-specific halves of the execution pipeline.
// The runtime owns retry, timeout, persistence, and accounting; a
// behavior only shapes the prompt and interprets the model's answer.
type Behavior interface {
	Type() agent.Type

	// Preprocess turns the task into a model prompt.
	Preprocess(ctx context.Context, execCtx *execution.Context, action string, input json.RawMessage) (prompt string, err error)

	// Postprocess interprets the raw model output, optionally invoking
	// tools through the session, and returns the structured output plus
	// a human-readable reasoning summary.
	Postprocess(ctx context.Context, tools *ToolSession, action string, input json.RawMessage, raw string) (output json.RawMessage, reasoning string, err error)
}

// modelCostPer1K maps model name to (input, output) USD cost per 1000
// tokens. Unknown models are billed at the default rate.
var modelCostPer1K = map[string][2]float64{
	"gemini-2.0-flash": {0.0001, 0.0004},
	"gpt-4o-mini":      {0.00015, 0.0006},
	"gpt-4o":           {0.0025, 0.01},
}

var defaultCostPer1K = [2]float64{0.001, 0.002}

// AgentRuntime runs one execution pipeline per Execute call:
// preprocess, model call with bounded retries, postprocess. Exactly one
// execution record is written per call regardless of retry count.
type AgentRuntime struct {
	store     database.Store
	registry  *tool.Registry
	generator aimodel.Generator
	breaker   *resilience.Breaker
	queue     messagequeue.Queue
	metrics   *otel.Metrics
	cfg       config.Runtime
	behaviors map[agent.Type]Behavior

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// NewAgentRuntime wires the runtime. queue and metrics may be nil (no
// events, no instruments); breaker may be nil (unguarded model calls).
func NewAgentRuntime(store database.Store, registry *tool.Registry, generator aimodel.Generator, breaker *resilience.Breaker, queue messagequeue.Queue, metrics *otel.Metrics, cfg config.Runtime) *AgentRuntime {
	return &AgentRuntime{
		store:     store,
		registry:  registry,
		generator: generator,
		breaker:   breaker,
		queue:     queue,
		metrics:   metrics,
		cfg:       cfg,
		behaviors: make(map[agent.Type]Behavior),
		sleep:     sleepCtx,
	}
}

// RegisterBehavior binds a behavior to its agent type. Boot-time only;
// duplicate registration is a wiring bug.
func (rt *AgentRuntime) RegisterBehavior(b Behavior) {
	if _, dup := rt.behaviors[b.Type()]; dup {
		panic(fmt.Sprintf("behavior for agent type %s registered twice", b.Type()))
	}
	rt.behaviors[b.Type()] = b
}

// Execute runs the full pipeline for one task against one agent. The
// returned Result mirrors the persisted execution record. A nil error
// with Success=false never happens: failures are returned as errors
// after the record and counters are written.
//
// executionID may be empty for direct calls; envelope-driven calls pass
// the ID minted at dispatch so a redelivered envelope reclaims the same
// execution row instead of growing a second one.
func (rt *AgentRuntime) Execute(ctx context.Context, ag *agent.Agent, executionID, taskID, userID, action string, input json.RawMessage) (*execution.Result, error) {
	behavior, ok := rt.behaviors[ag.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no behavior for agent type %s", domain.ErrValidation, ag.Type)
	}
	if ag.Status != agent.StatusActive {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrValidation, ag.ID, ag.Status)
	}

	execCtx := &execution.Context{
		AgentID:       ag.ID,
		TaskID:        taskID,
		UserID:        userID,
		Timestamp:     time.Now(),
		AttemptNumber: 1,
	}
	ctxJSON, _ := json.Marshal(execCtx)

	cfg := rt.effectiveConfig(ag)
	exec := &execution.Execution{
		ID:           executionID,
		AgentID:      ag.ID,
		TaskID:       taskID,
		Input:        input,
		Context:      ctxJSON,
		SystemPrompt: ag.SystemPrompt,
		Model:        cfg.Model,
		Status:       execution.StatusRunning,
	}
	if err := rt.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	rt.count(ctx, rt.metricsStarted(), ag)

	start := time.Now()
	result, runErr := rt.run(ctx, behavior, ag, cfg, execCtx, exec, action, input)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		rt.finishFailure(ctx, ag, exec, runErr, durationMs)
		return nil, runErr
	}

	result.DurationMs = durationMs
	rt.finishSuccess(ctx, ag, exec, result)
	return result, nil
}

func (rt *AgentRuntime) run(ctx context.Context, behavior Behavior, ag *agent.Agent, cfg agent.Config, execCtx *execution.Context, exec *execution.Execution, action string, input json.RawMessage) (*execution.Result, error) {
	prompt, err := behavior.Preprocess(ctx, execCtx, action, input)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	raw, usage, err := rt.generateWithRetry(ctx, ag, cfg, execCtx, prompt)
	if err != nil {
		return nil, err
	}

	tools := &ToolSession{rt: rt, agent: ag, executionID: exec.ID}
	output, reasoning, err := behavior.Postprocess(ctx, tools, action, input, raw)
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}

	tokens := execution.TokenUsage{
		Input:  usage.Input,
		Output: usage.Output,
		Total:  usage.Input + usage.Output,
	}
	return &execution.Result{
		Success:   true,
		Output:    output,
		Reasoning: reasoning,
		Tokens:    tokens,
		CostUSD:   costUSD(cfg.Model, tokens),
	}, nil
}

// generateWithRetry calls the model up to MaxRetries times. Each attempt
// gets its own timeout; between attempts the delay doubles. Cancellation
// of the parent ctx stops retrying immediately: a shutting-down worker
// must not burn attempts it cannot finish.
func (rt *AgentRuntime) generateWithRetry(ctx context.Context, ag *agent.Agent, cfg agent.Config, execCtx *execution.Context, prompt string) (string, aimodel.Usage, error) {
	opts := aimodel.Options{
		SystemPrompt: ag.SystemPrompt,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		execCtx.AttemptNumber = attempt

		text, usage, err := rt.generateOnce(ctx, cfg.Timeout, prompt, opts)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", aimodel.Usage{}, fmt.Errorf("execution canceled on attempt %d: %w", attempt, ctx.Err())
		}
		slog.Warn("model attempt failed",
			"agent_id", ag.ID, "attempt", attempt, "max", cfg.MaxRetries, "error", err)

		if attempt < cfg.MaxRetries {
			rt.count(ctx, rt.metricsRetries(), ag)
			delay := cfg.RetryDelay << (attempt - 1)
			if err := rt.sleep(ctx, delay); err != nil {
				return "", aimodel.Usage{}, fmt.Errorf("execution canceled during backoff: %w", err)
			}
		}
	}
	return "", aimodel.Usage{}, fmt.Errorf("all %d attempts failed: %w", cfg.MaxRetries, lastErr)
}

func (rt *AgentRuntime) generateOnce(ctx context.Context, timeout time.Duration, prompt string, opts aimodel.Options) (string, aimodel.Usage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		text  string
		usage aimodel.Usage
	)
	call := func() error {
		var err error
		text, usage, err = rt.generator.Generate(attemptCtx, prompt, opts)
		return err
	}
	if rt.breaker != nil {
		if err := rt.breaker.Execute(call); err != nil {
			return "", aimodel.Usage{}, err
		}
		return text, usage, nil
	}
	if err := call(); err != nil {
		return "", aimodel.Usage{}, err
	}
	return text, usage, nil
}

func (rt *AgentRuntime) finishSuccess(ctx context.Context, ag *agent.Agent, exec *execution.Execution, result *execution.Result) {
	if err := rt.store.CompleteExecution(ctx, exec.ID, result.Output, result.Reasoning,
		result.Tokens, result.CostUSD, result.DurationMs); err != nil {
		slog.Error("complete execution failed", "execution_id", exec.ID, "error", err)
	}
	if err := rt.store.RecordAgentResult(ctx, ag.ID, true, float64(result.DurationMs)); err != nil {
		slog.Error("record agent result failed", "agent_id", ag.ID, "error", err)
	}
	if rt.metrics != nil {
		attrs := agentAttrs(ag)
		rt.metrics.ExecutionsSucceeded.Add(ctx, 1, attrs)
		rt.metrics.ExecutionDuration.Record(ctx, float64(result.DurationMs)/1000, attrs)
		rt.metrics.ExecutionCost.Record(ctx, result.CostUSD, attrs)
	}
	rt.publishEvent(ctx, messagequeue.SubjectExecutionSuccess, exec.ID, ag, "")
}

func (rt *AgentRuntime) finishFailure(ctx context.Context, ag *agent.Agent, exec *execution.Execution, runErr error, durationMs int64) {
	// Persist terminal state even when the request context died.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := rt.store.FailExecution(persistCtx, exec.ID, runErr.Error(), durationMs); err != nil {
		slog.Error("fail execution failed", "execution_id", exec.ID, "error", err)
	}
	if err := rt.store.RecordAgentResult(persistCtx, ag.ID, false, 0); err != nil {
		slog.Error("record agent result failed", "agent_id", ag.ID, "error", err)
	}
	if rt.metrics != nil {
		rt.metrics.ExecutionsFailed.Add(persistCtx, 1, agentAttrs(ag))
	}
	rt.publishEvent(persistCtx, messagequeue.SubjectExecutionFailure, exec.ID, ag, runErr.Error())
}

func (rt *AgentRuntime) publishEvent(ctx context.Context, subject, executionID string, ag *agent.Agent, errMsg string) {
	if rt.queue == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"execution_id": executionID,
		"agent_id":     ag.ID,
		"agent_type":   string(ag.Type),
		"error":        errMsg,
	})
	if err := rt.queue.Publish(ctx, subject, payload); err != nil {
		slog.Warn("execution event publish failed", "subject", subject, "error", err)
	}
}

// effectiveConfig overlays the agent's stored config on runtime defaults.
func (rt *AgentRuntime) effectiveConfig(ag *agent.Agent) agent.Config {
	cfg := agent.Config{
		Model:       rt.cfg.Model,
		Temperature: rt.cfg.Temperature,
		MaxTokens:   rt.cfg.MaxTokens,
		MaxRetries:  rt.cfg.MaxRetries,
		RetryDelay:  rt.cfg.RetryDelay,
		Timeout:     rt.cfg.Timeout,
	}
	if ag.Config.Model != "" {
		cfg.Model = ag.Config.Model
	}
	if ag.Config.Temperature > 0 {
		cfg.Temperature = ag.Config.Temperature
	}
	if ag.Config.MaxTokens > 0 {
		cfg.MaxTokens = ag.Config.MaxTokens
	}
	if ag.Config.MaxRetries > 0 {
		cfg.MaxRetries = ag.Config.MaxRetries
	}
	if ag.Config.RetryDelay > 0 {
		cfg.RetryDelay = ag.Config.RetryDelay
	}
	if ag.Config.Timeout > 0 {
		cfg.Timeout = ag.Config.Timeout
	}
	return cfg
}

func (rt *AgentRuntime) metricsStarted() metric.Int64Counter {
	if rt.metrics == nil {
		return nil
	}
	return rt.metrics.ExecutionsStarted
}

func (rt *AgentRuntime) metricsRetries() metric.Int64Counter {
	if rt.metrics == nil {
		return nil
	}
	return rt.metrics.ExecutionRetries
}

func (rt *AgentRuntime) count(ctx context.Context, c metric.Int64Counter, ag *agent.Agent) {
	if c != nil {
		c.Add(ctx, 1, agentAttrs(ag))
	}
}

func agentAttrs(ag *agent.Agent) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("agent.type", string(ag.Type)),
	)
}

func costUSD(model string, tokens execution.TokenUsage) float64 {
	rates, ok := modelCostPer1K[model]
	if !ok {
		rates = defaultCostPer1K
	}
	return float64(tokens.Input)/1000*rates[0] + float64(tokens.Output)/1000*rates[1]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ToolSession lets a behavior invoke tools on behalf of one execution.
// Every call is checked against the agent type's category allow-list and
// recorded as a tool_call row.
type ToolSession struct {
	rt          *AgentRuntime
	agent       *agent.Agent
	executionID string
}

// Call runs a registered tool. Unknown tools, tools outside the agent's
// allowed categories, and argument schema violations all fail before the
// tool executes.
func (ts *ToolSession) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := ts.rt.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %s", domain.ErrNotFound, name)
	}
	if !ts.rt.registry.Allowed(ts.agent.Type, name) {
		return nil, fmt.Errorf("%w: agent type %s may not call tool %s (category %s)",
			domain.ErrValidation, ts.agent.Type, name, t.Category)
	}
	if args == nil {
		args = map[string]any{}
	}
	v := tool.CheckArgs(t, args)
	if t.Validate != nil {
		v = t.Validate(args)
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: tool %s: %s", domain.ErrValidation, name, v.Error)
	}

	argsJSON, _ := json.Marshal(args)
	tc := &execution.ToolCall{
		AgentID:     ts.agent.ID,
		ExecutionID: ts.executionID,
		ToolName:    t.Name,
		ToolVersion: t.Version,
		Arguments:   argsJSON,
	}
	if err := ts.rt.store.CreateToolCall(ctx, tc); err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}
	if ts.rt.metrics != nil {
		ts.rt.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool.name", t.Name),
			attribute.String("agent.type", string(ts.agent.Type)),
		))
	}

	start := time.Now()
	result, execErr := t.Execute(ctx, args)
	durationMs := time.Since(start).Milliseconds()

	if execErr != nil {
		if err := ts.rt.store.FailToolCall(ctx, tc.ID, execErr.Error(), durationMs); err != nil {
			slog.Error("fail tool call failed", "tool_call_id", tc.ID, "error", err)
		}
		return nil, fmt.Errorf("tool %s: %w", name, execErr)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = nil
	}
	if err := ts.rt.store.CompleteToolCall(ctx, tc.ID, resultJSON, durationMs); err != nil {
		slog.Error("complete tool call failed", "tool_call_id", tc.ID, "error", err)
	}
	return result, nil
}
