package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/task"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type taskEnqueuedEntry struct {
	name string
	hook TaskEnqueued
}

type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskDLQEntry struct {
	name string
	hook TaskDLQ
}

type jobTransitionedEntry struct {
	name string
	hook JobTransitioned
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls
// iterate only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	taskEnqueued    []taskEnqueuedEntry
	taskStarted     []taskStartedEntry
	taskCompleted   []taskCompletedEntry
	taskRetrying    []taskRetryingEntry
	taskFailed      []taskFailedEntry
	taskDLQ         []taskDLQEntry
	jobTransitioned []jobTransitionedEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if x, ok := h.(TaskEnqueued); ok {
		r.taskEnqueued = append(r.taskEnqueued, taskEnqueuedEntry{name, x})
	}
	if x, ok := h.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, x})
	}
	if x, ok := h.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, x})
	}
	if x, ok := h.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, x})
	}
	if x, ok := h.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, x})
	}
	if x, ok := h.(TaskDLQ); ok {
		r.taskDLQ = append(r.taskDLQ, taskDLQEntry{name, x})
	}
	if x, ok := h.(JobTransitioned); ok {
		r.jobTransitioned = append(r.jobTransitioned, jobTransitionedEntry{name, x})
	}
	if x, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, x})
	}
}

// Hooks returns all registered hooks in registration order.
func (r *Registry) Hooks() []Hook { return r.hooks }

// logHookErr logs a hook error without failing the emit. Hook errors
// never affect task processing.
func (r *Registry) logHookErr(event, name string, err error) {
	if err != nil {
		r.logger.Warn("hook error",
			slog.String("event", event),
			slog.String("hook", name),
			slog.String("error", err.Error()),
		)
	}
}

// EmitTaskEnqueued notifies TaskEnqueued hooks.
func (r *Registry) EmitTaskEnqueued(ctx context.Context, t *task.Task) {
	for _, e := range r.taskEnqueued {
		r.logHookErr("task_enqueued", e.name, e.hook.OnTaskEnqueued(ctx, t))
	}
}

// EmitTaskStarted notifies TaskStarted hooks.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskStarted {
		r.logHookErr("task_started", e.name, e.hook.OnTaskStarted(ctx, t))
	}
}

// EmitTaskCompleted notifies TaskCompleted hooks.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		r.logHookErr("task_completed", e.name, e.hook.OnTaskCompleted(ctx, t, elapsed))
	}
}

// EmitTaskRetrying notifies TaskRetrying hooks.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) {
	for _, e := range r.taskRetrying {
		r.logHookErr("task_retrying", e.name, e.hook.OnTaskRetrying(ctx, t, attempt, nextRunAt))
	}
}

// EmitTaskFailed notifies TaskFailed hooks.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, err error) {
	for _, e := range r.taskFailed {
		r.logHookErr("task_failed", e.name, e.hook.OnTaskFailed(ctx, t, err))
	}
}

// EmitTaskDLQ notifies TaskDLQ hooks.
func (r *Registry) EmitTaskDLQ(ctx context.Context, t *task.Task, err error) {
	for _, e := range r.taskDLQ {
		r.logHookErr("task_dlq", e.name, e.hook.OnTaskDLQ(ctx, t, err))
	}
}

// EmitJobTransitioned notifies JobTransitioned hooks.
func (r *Registry) EmitJobTransitioned(ctx context.Context, jobID string, from, to status.State) {
	for _, e := range r.jobTransitioned {
		r.logHookErr("job_transitioned", e.name, e.hook.OnJobTransitioned(ctx, jobID, from, to))
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.logHookErr("shutdown", e.name, e.hook.OnShutdown(ctx))
	}
}
