// Package worker provides the task execution engine — an Executor that
// invokes registered processors through middleware, and a Pool that
// manages concurrent worker goroutines claiming tasks from one queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/backoff"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/hook"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/middleware"
	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/task"
)

// Executor runs a single task through middleware and the registered
// processor, then handles retry logic, DLQ push, state updates, and
// lifecycle events.
type Executor struct {
	registry   *task.Registry
	hooks      *hook.Registry
	store      task.Store
	dlqService *dlq.Service
	queues     *queue.Manager
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *task.Registry,
	hooks *hook.Registry,
	store task.Store,
	dlqService *dlq.Service,
	queues *queue.Manager,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		hooks:      hooks,
		store:      store,
		dlqService: dlqService,
		queues:     queues,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a task through the middleware chain and processor.
// On success: marks completed, emits TaskCompleted, trims old completed tasks.
// On permanent failure: marks failed, pushes to DLQ immediately.
// On failure with attempts remaining: marks retrying with backoff, emits TaskRetrying.
// On failure with attempts exhausted: marks failed, pushes to DLQ, emits TaskFailed + TaskDLQ.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	proc, ok := e.registry.Get(t.Queue)
	if !ok {
		// No processor will ever appear for this queue; dead-letter
		// rather than leave the task leased forever.
		return e.sendToDLQ(ctx, t, conveyor.Permanent(fmt.Errorf("%w: %s", conveyor.ErrUnknownQueue, t.Queue)))
	}

	start := time.Now()

	terminal := func(ctx context.Context) error {
		return proc(ctx, t.Payload)
	}

	err := e.mw(ctx, t, terminal)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	t.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, t, err, now)
	}

	return e.handleSuccess(ctx, t, now, elapsed)
}

// handleSuccess marks the task as completed, emits the lifecycle event,
// and enforces the queue's completed-task retention.
func (e *Executor) handleSuccess(ctx context.Context, t *task.Task, now time.Time, elapsed time.Duration) error {
	t.State = task.StateCompleted
	t.CompletedAt = &now

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task after success",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitTaskCompleted(ctx, t, elapsed)

	if cfg, ok := e.queues.Lookup(t.Queue); ok && cfg.CompletedRetention > 0 {
		if _, trimErr := e.store.TrimCompleted(ctx, t.Queue, cfg.CompletedRetention); trimErr != nil {
			e.logger.Warn("failed to trim completed tasks",
				slog.String("queue", t.Queue),
				slog.String("error", trimErr.Error()),
			)
		}
	}

	return nil
}

// handleFailure routes the error: permanent errors dead-letter immediately,
// transient errors consume an attempt and either retry or dead-letter.
func (e *Executor) handleFailure(ctx context.Context, t *task.Task, procErr error, now time.Time) error {
	t.LastError = procErr.Error()

	if conveyor.IsPermanent(procErr) {
		return e.sendToDLQ(ctx, t, procErr)
	}

	t.Attempts++
	if t.Attempts < t.MaxAttempts {
		return e.scheduleRetry(ctx, t, now)
	}

	return e.sendToDLQ(ctx, t, procErr)
}

// scheduleRetry sets the task to StateRetrying with a backoff delay
// and releases the worker lease.
func (e *Executor) scheduleRetry(ctx context.Context, t *task.Task, now time.Time) error {
	delay := e.backoff.Delay(t.Attempts)
	nextRunAt := now.Add(delay)
	t.RunAt = nextRunAt
	t.State = task.StateRetrying
	t.WorkerID = id.Nil
	t.HeartbeatAt = nil

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task for retry",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitTaskRetrying(ctx, t, t.Attempts, nextRunAt)

	e.logger.Info("task scheduled for retry",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("attempt", t.Attempts),
		slog.Int("max_attempts", t.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("task %s retry %d/%d: %s", t.ID, t.Attempts, t.MaxAttempts, t.LastError)
}

// sendToDLQ marks the task as failed, pushes it to the DLQ, and emits events.
func (e *Executor) sendToDLQ(ctx context.Context, t *task.Task, procErr error) error {
	t.State = task.StateFailed
	t.LastError = procErr.Error()

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task as failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, t, procErr); dlqErr != nil {
			e.logger.Error("failed to push task to DLQ",
				slog.String("task_id", t.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.hooks.EmitTaskFailed(ctx, t, procErr)
	e.hooks.EmitTaskDLQ(ctx, t, procErr)

	e.logger.Warn("task moved to DLQ",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("attempts", t.Attempts),
		slog.Bool("permanent", conveyor.IsPermanent(procErr)),
		slog.String("error", procErr.Error()),
	)

	return procErr
}

// HandleStall resolves a running task whose heartbeat lease expired.
// The first stall re-queues the task without consuming an attempt;
// subsequent stalls count as failed attempts and follow the normal
// retry/DLQ path.
func (e *Executor) HandleStall(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.Stalls++

	if t.Stalls <= 1 {
		t.State = task.StatePending
		t.RunAt = now
		t.WorkerID = id.Nil
		t.HeartbeatAt = nil
		t.StartedAt = nil

		if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
			return updateErr
		}

		e.logger.Info("stalled task re-queued",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
		)
		return nil
	}

	return e.handleFailure(ctx, t, fmt.Errorf("worker lease expired after %d stalls", t.Stalls), now)
}
