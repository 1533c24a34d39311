package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/litree/labsos/internal/domain"
	"github.com/litree/labsos/internal/domain/agent"
	"github.com/litree/labsos/internal/domain/task"
	"github.com/litree/labsos/internal/port/database"
	"github.com/litree/labsos/internal/port/messagequeue"
)

// TaskService accepts work for agents and hands it to the bus. The task
// row is the durable source of truth; the bus envelope is just transport.
type TaskService struct {
	store database.Store
	queue messagequeue.Queue
}

// NewTaskService wires the dispatcher.
func NewTaskService(store database.Store, queue messagequeue.Queue) *TaskService {
	return &TaskService{store: store, queue: queue}
}

// Dispatch resolves an active agent for agentType, records a PENDING
// task, and publishes its envelope. The task row is committed before the
// publish: a crash between the two leaves a PENDING task that operators
// can re-enqueue, never a message for a task that does not exist.
func (s *TaskService) Dispatch(ctx context.Context, agentType agent.Type, action string, input json.RawMessage) (*task.Task, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", domain.ErrValidation)
	}

	ag, err := s.store.GetActiveAgentByType(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	t := &task.Task{
		AgentID: ag.ID,
		Action:  action,
		Input:   input,
		Status:  task.StatusPending,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	// The execution ID is minted here so the envelope, the worker, and
	// the eventual execution row all agree on it; the row itself is
	// written when the worker picks the task up.
	env := task.Envelope{
		ExecutionID: uuid.NewString(),
		TaskID:      t.ID,
		AgentID:     ag.ID,
		AgentType:   ag.Type,
		Action:      action,
		Input:       input,
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode envelope: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectAgentTasks, payload); err != nil {
		// The row stays PENDING; surface the publish failure so the
		// caller knows the task is parked, not in flight.
		slog.Error("task publish failed", "task_id", t.ID, "error", err)
		return t, fmt.Errorf("dispatch: publish: %w", err)
	}

	return t, nil
}

// GetTask returns one task.
func (s *TaskService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListAgents returns all agents with their execution counters.
func (s *TaskService) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx)
}

// GetAgent returns one agent.
func (s *TaskService) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// SetAgentStatus activates or deactivates an agent.
func (s *TaskService) SetAgentStatus(ctx context.Context, id string, status agent.Status) error {
	if status != agent.StatusActive && status != agent.StatusInactive {
		return fmt.Errorf("%w: invalid agent status %q", domain.ErrValidation, status)
	}
	return s.store.UpdateAgentStatus(ctx, id, status)
}
