package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/execution"
	"github.com/litree/labsos/internal/domain/tool"
	"github.com/litree/labsos/internal/port/database"
)

// promptBehavior is the common pipeline shared by all built-in agent
// types: render a role-specific prompt, then parse the model's reply as
// JSON when possible.
type promptBehavior struct {
	agentType agent.Type
	intro     string
}

func (b *promptBehavior) Type() agent.Type { return b.agentType }

func (b *promptBehavior) Preprocess(_ context.Context, execCtx *execution.Context, action string, input json.RawMessage) (string, error) {
	if action == "" {
		return "", fmt.Errorf("%w: action is required", domain.ErrValidation)
	}
	var sb strings.Builder
	sb.WriteString(b.intro)
	sb.WriteString("\n\nAction: ")
	sb.WriteString(action)
	if len(input) > 0 {
		sb.WriteString("\nInput:\n")
		sb.Write(input)
	}
	sb.WriteString("\n\nRespond with a JSON object: ")
	sb.WriteString(`{"result": <your structured answer>, "reasoning": "<one paragraph>"}`)
	_ = execCtx // attempt metadata is supplied by the runtime
	return sb.String(), nil
}

func (b *promptBehavior) Postprocess(_ context.Context, _ *ToolSession, _ string, _ json.RawMessage, raw string) (json.RawMessage, string, error) {
	return parseModelReply(raw)
}

// parseModelReply extracts {"result":..., "reasoning":...} from the
// model output, tolerating fenced code blocks and plain text.
func parseModelReply(raw string) (json.RawMessage, string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var reply struct {
		Result    json.RawMessage `json:"result"`
		Reasoning string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &reply); err == nil && reply.Result != nil {
		return reply.Result, reply.Reasoning, nil
	}

	// Not the expected shape; keep the raw text as the output so
	// nothing the model said is lost.
	output, err := json.Marshal(map[string]string{"text": raw})
	if err != nil {
		return nil, "", fmt.Errorf("wrap model reply: %w", err)
	}
	return output, "", nil
}

// marketBehavior extends the shared pipeline with live marketplace data:
// before prompting it pulls current listings through the store so the
// model reasons over real state, and scan actions verify cited listings
// through the tool session.
type marketBehavior struct {
	promptBehavior
	store database.Store
}

func newMarketBehavior(store database.Store) *marketBehavior {
	return &marketBehavior{
		promptBehavior: promptBehavior{
			agentType: agent.TypeMarket,
			intro:     "You are a marketplace trading analyst for a virtual asset exchange.",
		},
		store: store,
	}
}

func (b *marketBehavior) Preprocess(ctx context.Context, execCtx *execution.Context, action string, input json.RawMessage) (string, error) {
	base, err := b.promptBehavior.Preprocess(ctx, execCtx, action, input)
	if err != nil {
		return "", err
	}

	listings, err := b.store.ListActiveListings(ctx, 20)
	if err != nil {
		return "", fmt.Errorf("load market snapshot: %w", err)
	}
	snapshot, err := json.Marshal(listings)
	if err != nil {
		return "", fmt.Errorf("encode market snapshot: %w", err)
	}
	return base + "\n\nCurrent active listings:\n" + string(snapshot), nil
}

func (b *marketBehavior) Postprocess(ctx context.Context, tools *ToolSession, action string, input json.RawMessage, raw string) (json.RawMessage, string, error) {
	output, reasoning, err := parseModelReply(raw)
	if err != nil {
		return nil, "", err
	}

	// For scan actions, resolve any listing the model singled out so the
	// caller gets verified data next to the model's opinion.
	if action == "scan_market" {
		var picked struct {
			ListingID string `json:"listing_id"`
		}
		if json.Unmarshal(output, &picked) == nil && picked.ListingID != "" {
			verified, err := tools.Call(ctx, "get_listing", map[string]any{"listing_id": picked.ListingID})
			if err == nil {
				merged, mErr := json.Marshal(map[string]any{
					"recommendation": json.RawMessage(output),
					"listing":        verified,
				})
				if mErr == nil {
					output = merged
				}
			}
		}
	}
	return output, reasoning, nil
}

// NewBehaviors constructs the full built-in behavior set.
func NewBehaviors(store database.Store) []Behavior {
	return []Behavior{
		newMarketBehavior(store),
		&promptBehavior{
			agentType: agent.TypeAnalytics,
			intro:     "You analyze marketplace and agent telemetry and produce concise findings.",
		},
		&promptBehavior{
			agentType: agent.TypeContent,
			intro:     "You write listing descriptions and marketplace copy.",
		},
		&promptBehavior{
			agentType: agent.TypeScheduler,
			intro:     "You plan and order recurring marketplace maintenance work.",
		},
		&promptBehavior{
			agentType: agent.TypeAdmin,
			intro:     "You review system state and flag operational anomalies.",
		},
	}
}

// RegisterBuiltinTools installs the tool set backed by the store and the
// dispatcher. Panics on conflicts, same as any boot-time registration.
func RegisterBuiltinTools(reg *tool.Registry, store database.Store, tasks *TaskService) {
	reg.Register(tool.Tool{
		Name:        "list_active_listings",
		Version:     "1.0",
		Description: "Return currently active marketplace listings.",
		Category:    tool.CategoryMarket,
		Parameters: []tool.Parameter{
			{Name: "limit", Type: "number", Description: "max listings to return", Default: float64(20)},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			limit, _ := args["limit"].(float64)
			return store.ListActiveListings(ctx, int(limit))
		},
	})

	reg.Register(tool.Tool{
		Name:        "get_listing",
		Version:     "1.0",
		Description: "Fetch one listing by id.",
		Category:    tool.CategoryMarket,
		Parameters: []tool.Parameter{
			{Name: "listing_id", Type: "string", Description: "listing id", Required: true},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["listing_id"].(string)
			return store.GetListing(ctx, id)
		},
	})

	reg.Register(tool.Tool{
		Name:        "get_asset",
		Version:     "1.0",
		Description: "Fetch an asset with its share ownership breakdown.",
		Category:    tool.CategoryMarket,
		Parameters: []tool.Parameter{
			{Name: "asset_id", Type: "string", Description: "asset id", Required: true},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["asset_id"].(string)
			return store.GetAsset(ctx, id)
		},
	})

	reg.Register(tool.Tool{
		Name:        "agent_stats",
		Version:     "1.0",
		Description: "Return execution counters for all agents.",
		Category:    tool.CategoryAnalytics,
		Execute: func(ctx context.Context, _ map[string]any) (any, error) {
			return store.ListAgents(ctx)
		},
	})

	reg.Register(tool.Tool{
		Name:        "enqueue_task",
		Version:     "1.0",
		Description: "Queue a task for another agent type.",
		Category:    tool.CategoryScheduling,
		Parameters: []tool.Parameter{
			{Name: "agent_type", Type: "string", Description: "target agent type", Required: true,
				Enum: []string{"MARKET", "ANALYTICS", "CONTENT", "SCHEDULER", "ADMIN"}},
			{Name: "action", Type: "string", Description: "task action", Required: true},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			rawType, _ := args["agent_type"].(string)
			action, _ := args["action"].(string)
			at, err := agent.ParseType(rawType)
			if err != nil {
				return nil, err
			}
			var input json.RawMessage
			if payload, ok := args["input"]; ok {
				input, _ = json.Marshal(payload)
			}
			return tasks.Dispatch(ctx, at, action, input)
		},
	})

	reg.Register(tool.Tool{
		Name:        "current_time",
		Version:     "1.0",
		Description: "Return the current UTC time.",
		Category:    tool.CategorySystem,
		Execute: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]string{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	})
}

// seedAgents describes the default agent roster created on first boot.
var seedAgents = []agent.Agent{
	{
		Name:         "Market Maker",
		Type:         agent.TypeMarket,
		Description:  "Scans listings and recommends trades.",
		SystemPrompt: "You are a cautious trading analyst. Never recommend trades on non-tradable assets.",
		Capabilities: []string{"scan_market", "evaluate_listing"},
	},
	{
		Name:         "Telemetry Analyst",
		Type:         agent.TypeAnalytics,
		Description:  "Summarizes marketplace and agent telemetry.",
		SystemPrompt: "You produce short, numeric, verifiable findings.",
		Capabilities: []string{"summarize_activity"},
	},
	{
		Name:         "Copywriter",
		Type:         agent.TypeContent,
		Description:  "Writes listing descriptions.",
		SystemPrompt: "You write concise marketplace copy without superlatives.",
		Capabilities: []string{"write_listing_copy"},
	},
	{
		Name:         "Planner",
		Type:         agent.TypeScheduler,
		Description:  "Plans recurring maintenance work.",
		SystemPrompt: "You order work by dependency, then by cost.",
		Capabilities: []string{"plan_maintenance"},
	},
	{
		Name:         "Overseer",
		Type:         agent.TypeAdmin,
		Description:  "Reviews system state for anomalies.",
		SystemPrompt: "You flag anomalies with evidence, never speculation.",
		Capabilities: []string{"review_system"},
	},
}

// SeedAgents creates one active agent per type if none exists. Reruns
// are no-ops, so boot is idempotent.
func SeedAgents(ctx context.Context, store database.Store) error {
	for _, seed := range seedAgents {
		_, err := store.GetActiveAgentByType(ctx, seed.Type)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("seed agents: %w", err)
		}

		ag := seed
		ag.Status = agent.StatusActive
		if err := store.CreateAgent(ctx, &ag); err != nil {
			return fmt.Errorf("seed agent %s: %w", seed.Name, err)
		}
	}
	return nil
}
