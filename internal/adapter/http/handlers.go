package http

import (
	"encoding/json"
	"net/http"

	"github.com/litree/labsos/internal/adapter/litellm"
	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/tool"
	"github.com/litree/labsos/internal/port/database"
	"github.com/litree/labsos/internal/port/messagequeue"
	"github.com/litree/labsos/internal/service"
)

// Handlers bundles the services the API fronts.
type Handlers struct {
	Auth     *service.TokenService
	Tasks    *service.TaskService
	Market   *service.MarketService
	Store    database.Store
	Registry *tool.Registry
	LLM      *litellm.Client // nil when no admin endpoint is configured
	Queue    messagequeue.Queue
	Cfg      config.Config
}

// Health reports process liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports dependency readiness: the bus connection and the store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Queue != nil && !h.Queue.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "nats disconnected"})
		return
	}
	if _, err := h.Store.ListAgents(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListAgents returns all agents with execution counters.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Tasks.ListAgents(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// GetAgent returns one agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := h.Tasks.GetAgent(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// ListAgentTools returns the tools within an agent's capability boundary.
func (h *Handlers) ListAgentTools(w http.ResponseWriter, r *http.Request) {
	ag, err := h.Tasks.GetAgent(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}

	type toolInfo struct {
		Name        string           `json:"name"`
		Version     string           `json:"version"`
		Description string           `json:"description"`
		Category    tool.Category    `json:"category"`
		Parameters  []tool.Parameter `json:"parameters,omitempty"`
	}
	var out []toolInfo
	for _, t := range h.Registry.ForAgent(ag.Type) {
		out = append(out, toolInfo{
			Name:        t.Name,
			Version:     t.Version,
			Description: t.Description,
			Category:    t.Category,
			Parameters:  t.Parameters,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type setStatusRequest struct {
	Status agent.Status `json:"status"`
}

// SetAgentStatus activates or deactivates an agent.
func (h *Handlers) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[setStatusRequest](w, r)
	if !ok {
		return
	}
	if err := h.Tasks.SetAgentStatus(r.Context(), urlParam(r, "id"), req.Status); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

type executeRequest struct {
	AgentType string          `json:"agent_type"`
	Action    string          `json:"action"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ExecuteAgent queues a task for the active agent of the requested type.
// Execution is asynchronous; poll the returned task for the outcome.
func (h *Handlers) ExecuteAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[executeRequest](w, r)
	if !ok {
		return
	}
	at, err := agent.ParseType(req.AgentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.Tasks.Dispatch(r.Context(), at, req.Action, req.Input)
	if err != nil {
		writeDomainError(w, err, "no active agent for type")
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// GetTask returns one task, including output once the worker finishes.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetExecution returns one execution audit record.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetExecution(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListExecutionToolCalls returns the tool calls made by one execution.
func (h *Handlers) ListExecutionToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.Store.ListToolCalls(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_calls": calls})
}

// ListLLMModels proxies the model inventory from the LiteLLM admin API.
func (h *Handlers) ListLLMModels(w http.ResponseWriter, r *http.Request) {
	if h.LLM == nil {
		writeError(w, http.StatusNotImplemented, "model admin endpoint not configured")
		return
	}
	models, err := h.LLM.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "model backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// LLMHealth probes the model backend.
func (h *Handlers) LLMHealth(w http.ResponseWriter, r *http.Request) {
	if h.LLM == nil {
		writeError(w, http.StatusNotImplemented, "model admin endpoint not configured")
		return
	}
	healthy, err := h.LLM.Health(r.Context())
	if err != nil || !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}
