// Package hook defines lifecycle hooks for conveyor. Hooks are
// notified of task and job lifecycle events (enqueued, completed,
// dead-lettered, job transitioned, etc.) and can react to them —
// audit logging, metrics, cache invalidation.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/task"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// TaskEnqueued is called after a task is successfully enqueued.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *task.Task) error
}

// TaskStarted is called when a worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskRetrying is called when a task fails but is scheduled for retry.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) error
}

// TaskFailed is called when a task fails terminally (no more retries).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// TaskDLQ is called when a task is moved to the dead letter queue.
type TaskDLQ interface {
	OnTaskDLQ(ctx context.Context, t *task.Task, err error) error
}

// JobTransitioned is called after a marketplace job status transition
// commits, with the traversed edge.
type JobTransitioned interface {
	OnJobTransitioned(ctx context.Context, jobID string, from, to status.State) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
