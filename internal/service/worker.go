package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain/task"
	"github.com/litree/labsos/internal/port/database"
	"github.com/litree/labsos/internal/port/messagequeue"
)

// AgentWorker is the durable consumer that turns queued task envelopes
// into runtime executions. Delivery is at-least-once: the terminal-state
// guard on the task row is what keeps a redelivered envelope from
// running the task twice.
type AgentWorker struct {
	store   database.Store
	queue   messagequeue.Queue
	runtime *AgentRuntime
	cfg     config.Worker
	sem     *semaphore.Weighted
	cancel  func()
}

// NewAgentWorker wires the worker.
func NewAgentWorker(store database.Store, queue messagequeue.Queue, runtime *AgentRuntime, cfg config.Worker) *AgentWorker {
	inFlight := int64(cfg.MaxInFlight)
	if inFlight <= 0 {
		inFlight = 10
	}
	return &AgentWorker{
		store:   store,
		queue:   queue,
		runtime: runtime,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(inFlight),
	}
}

// Start subscribes the durable consumer. ctx cancellation propagates
// into in-flight executions so shutdown interrupts them cooperatively.
func (w *AgentWorker) Start(ctx context.Context) error {
	cancel, err := w.queue.Subscribe(ctx, messagequeue.SubjectAgentTasks, messagequeue.SubscribeOptions{
		Durable:       w.cfg.Durable,
		MaxInFlight:   w.cfg.MaxInFlight,
		IdleHeartbeat: w.cfg.IdleHeartbeat,
	}, w.handle)
	if err != nil {
		return fmt.Errorf("worker subscribe: %w", err)
	}
	w.cancel = cancel
	slog.Info("agent worker started",
		"durable", w.cfg.Durable, "max_in_flight", w.cfg.MaxInFlight)
	return nil
}

// Stop cancels the subscription. In-flight handlers finish on their own.
func (w *AgentWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// handle processes one envelope. Returning an error naks the message for
// redelivery, so only infrastructure failures return errors; a task that
// fails in the model is recorded as FAILED and acked.
func (w *AgentWorker) handle(ctx context.Context, _ string, data []byte) error {
	var env task.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A malformed envelope will never parse on redelivery either.
		slog.Error("dropping malformed task envelope", "error", err)
		return nil
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	t, err := w.store.GetTask(ctx, env.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", env.TaskID, err)
	}
	if t.Status == task.StatusCompleted || t.Status == task.StatusFailed {
		slog.Info("skipping redelivered task in terminal state",
			"task_id", t.ID, "status", t.Status)
		return nil
	}

	ag, err := w.store.GetAgent(ctx, env.AgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", env.AgentID, err)
	}

	if err := w.store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	result, execErr := w.runtime.Execute(ctx, ag, env.ExecutionID, t.ID, "", env.Action, env.Input)
	if execErr != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the execution; leave the task for
			// redelivery rather than recording a spurious failure.
			return ctx.Err()
		}
		if err := w.store.FailTask(ctx, t.ID, execErr.Error()); err != nil {
			return fmt.Errorf("fail task %s: %w", t.ID, err)
		}
		w.publish(ctx, messagequeue.SubjectTaskFailed, t.ID, execErr.Error())
		return nil
	}

	if err := w.store.CompleteTask(ctx, t.ID, result.Output, result.DurationMs); err != nil {
		return fmt.Errorf("complete task %s: %w", t.ID, err)
	}
	w.publish(ctx, messagequeue.SubjectTaskCompleted, t.ID, "")
	return nil
}

func (w *AgentWorker) publish(ctx context.Context, subject, taskID, errMsg string) {
	payload, _ := json.Marshal(map[string]string{
		"task_id": taskID,
		"error":   errMsg,
	})
	if err := w.queue.Publish(ctx, subject, payload); err != nil {
		slog.Warn("task event publish failed", "subject", subject, "error", err)
	}
}
