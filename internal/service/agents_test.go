package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/market"
	"github.com/litree/labsos/internal/domain/tool"
	"github.com/litree/labsos/internal/port/aimodel"
)

func TestParseModelReply(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantOutput    string
		wantReasoning string
	}{
		{
			name:          "structured reply",
			raw:           `{"result": {"score": 7}, "reasoning": "looks fine"}`,
			wantOutput:    `{"score": 7}`,
			wantReasoning: "looks fine",
		},
		{
			name:          "fenced reply",
			raw:           "```json\n{\"result\": {\"score\": 3}, \"reasoning\": \"meh\"}\n```",
			wantOutput:    `{"score": 3}`,
			wantReasoning: "meh",
		},
		{
			name:       "plain text falls back to wrapping",
			raw:        "I cannot answer that.",
			wantOutput: `{"text":"I cannot answer that."}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, reasoning, err := parseModelReply(tt.raw)
			if err != nil {
				t.Fatalf("parseModelReply: %v", err)
			}
			if string(output) != tt.wantOutput {
				t.Errorf("output = %s, want %s", output, tt.wantOutput)
			}
			if reasoning != tt.wantReasoning {
				t.Errorf("reasoning = %q, want %q", reasoning, tt.wantReasoning)
			}
		})
	}
}

func TestPromptBehaviorRequiresAction(t *testing.T) {
	b := &promptBehavior{agentType: agent.TypeContent, intro: "intro"}
	if _, err := b.Preprocess(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for empty action")
	}
}

func TestMarketBehaviorEmbedsListingSnapshot(t *testing.T) {
	store := newMockStore()
	l := seedListing(t, store)
	b := newMarketBehavior(store)

	prompt, err := b.Preprocess(context.Background(), nil, "scan_market", nil)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if !strings.Contains(prompt, l.ID) {
		t.Error("prompt missing live listing snapshot")
	}
	if !strings.Contains(prompt, "scan_market") {
		t.Error("prompt missing the action")
	}
}

func TestMarketBehaviorVerifiesPickedListing(t *testing.T) {
	store := newMockStore()
	l := seedListing(t, store)

	rt := NewAgentRuntime(store, tool.NewRegistry(), staticGenerator("", aimodel.Usage{}), nil, nil, nil, testRuntimeConfig())
	RegisterBuiltinTools(rt.registry, store, NewTaskService(store, newMockQueue()))
	ag := activeMarketAgent(t, store)
	ts := &ToolSession{rt: rt, agent: ag, executionID: "exec-1"}

	b := newMarketBehavior(store)
	raw := `{"result": {"listing_id": "` + l.ID + `", "verdict": "buy"}, "reasoning": "undervalued"}`
	output, reasoning, err := b.Postprocess(context.Background(), ts, "scan_market", nil, raw)
	if err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	if reasoning != "undervalued" {
		t.Errorf("reasoning = %q", reasoning)
	}

	var merged struct {
		Recommendation json.RawMessage `json:"recommendation"`
		Listing        *market.Listing `json:"listing"`
	}
	if err := json.Unmarshal(output, &merged); err != nil {
		t.Fatalf("decode merged output: %v", err)
	}
	if merged.Listing == nil || merged.Listing.ID != l.ID {
		t.Errorf("verified listing = %+v, want %s", merged.Listing, l.ID)
	}
}

func TestNewBehaviorsCoverAllTypes(t *testing.T) {
	behaviors := NewBehaviors(newMockStore())
	seen := map[agent.Type]bool{}
	for _, b := range behaviors {
		seen[b.Type()] = true
	}
	for _, at := range agent.Types {
		if !seen[at] {
			t.Errorf("no behavior for agent type %s", at)
		}
	}
}

func TestSeedAgentsIsIdempotent(t *testing.T) {
	store := newMockStore()
	ctx := context.Background()

	if err := SeedAgents(ctx, store); err != nil {
		t.Fatalf("SeedAgents: %v", err)
	}
	if len(store.agents) != len(agent.Types) {
		t.Fatalf("agents = %d, want %d", len(store.agents), len(agent.Types))
	}

	if err := SeedAgents(ctx, store); err != nil {
		t.Fatalf("second SeedAgents: %v", err)
	}
	if len(store.agents) != len(agent.Types) {
		t.Errorf("rerun created duplicates: %d agents", len(store.agents))
	}
	for _, a := range store.agents {
		if a.Status != agent.StatusActive {
			t.Errorf("seeded agent %s is %s, want ACTIVE", a.Name, a.Status)
		}
	}
}

func TestRegisterBuiltinToolsCapabilities(t *testing.T) {
	store := newMockStore()
	reg := tool.NewRegistry()
	RegisterBuiltinTools(reg, store, NewTaskService(store, newMockQueue()))

	// Market agents see market and analytics tools, nothing scheduling.
	names := map[string]bool{}
	for _, tl := range reg.ForAgent(agent.TypeMarket) {
		names[tl.Name] = true
	}
	if !names["get_listing"] || !names["agent_stats"] {
		t.Errorf("market tool set incomplete: %v", names)
	}
	if names["enqueue_task"] {
		t.Error("market agents must not reach the scheduling tools")
	}

	// Schedulers get dispatch capability.
	names = map[string]bool{}
	for _, tl := range reg.ForAgent(agent.TypeScheduler) {
		names[tl.Name] = true
	}
	if !names["enqueue_task"] || !names["current_time"] {
		t.Errorf("scheduler tool set incomplete: %v", names)
	}
}

func TestEnqueueTaskToolDispatches(t *testing.T) {
	store := newMockStore()
	queue := newMockQueue()
	reg := tool.NewRegistry()
	RegisterBuiltinTools(reg, store, NewTaskService(store, queue))
	activeMarketAgent(t, store)

	tl, ok := reg.Get("enqueue_task")
	if !ok {
		t.Fatal("enqueue_task not registered")
	}
	result, err := tl.Execute(context.Background(), map[string]any{
		"agent_type": "MARKET",
		"action":     "scan_market",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result == nil {
		t.Fatal("no task returned")
	}
	if len(store.tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(store.tasks))
	}
}
