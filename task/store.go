package task

import (
	"context"
	"time"

	"github.com/gigwork/conveyor/id"
)

// ListOpts controls pagination and filtering for task list queries.
type ListOpts struct {
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for task count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by task state. Empty means all states.
	State State
}

// Store defines the broker contract for tasks. Claim exclusivity is
// the sole concurrency-safety primitive the worker layer relies on:
// no two workers may hold the same task at once.
type Store interface {
	// EnqueueTask durably appends a new task in pending state.
	EnqueueTask(ctx context.Context, t *Task) error

	// ClaimTasks atomically leases up to limit claimable tasks from
	// the given queue, sets them to running, and returns them. Tasks
	// are ordered by priority (descending) then RunAt (ascending);
	// tasks with RunAt in the future are not claimable.
	ClaimTasks(ctx context.Context, queue string, workerID id.WorkerID, limit int) ([]*Task, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// DeleteTask removes a task by ID.
	DeleteTask(ctx context.Context, taskID id.TaskID) error

	// ListTasksByState returns tasks matching the given state.
	ListTasksByState(ctx context.Context, state State, opts ListOpts) ([]*Task, error)

	// CountTasks returns the number of tasks matching the given options.
	CountTasks(ctx context.Context, opts CountOpts) (int64, error)

	// HeartbeatTask refreshes the lease on a running task, indicating
	// the worker is still alive.
	HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error

	// StalledTasks returns running tasks whose last heartbeat is older
	// than the threshold, indicating the worker may have died mid-task.
	StalledTasks(ctx context.Context, threshold time.Duration) ([]*Task, error)

	// TrimCompleted removes the oldest completed tasks on a queue
	// beyond the retain count, returning how many were removed.
	// Completed tasks inside the retention window stay inspectable.
	TrimCompleted(ctx context.Context, queue string, retain int) (int64, error)
}
