package task

import (
	"time"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning means a worker holds the lease and is executing.
	StateRunning State = "running"
	// StateRetrying means the task failed and is scheduled for retry.
	StateRetrying State = "retrying"
	// StateCompleted means the processor finished successfully. Completed
	// tasks are retained for auditability up to the queue's retention
	// count, then removed.
	StateCompleted State = "completed"
	// StateFailed means the task exhausted its attempts (or failed
	// permanently) and was dead-lettered.
	StateFailed State = "failed"
)

// Task is one unit of work on a named queue.
type Task struct {
	conveyor.Entity

	ID    id.TaskID `json:"id"`
	Queue string    `json:"queue"`

	// Payload is the JSON-encoded, queue-specific payload. Each queue
	// has a closed payload struct; the Queue field discriminates it.
	Payload []byte `json:"payload"`

	State    State `json:"state"`
	Priority int   `json:"priority"`

	// Attempts counts failed executions so far. When Attempts reaches
	// MaxAttempts the task is dead-lettered.
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	// Stalls counts heartbeat-expiry takeovers. The first stall makes
	// the task re-claimable without consuming an attempt; later stalls
	// count as failed attempts.
	Stalls int `json:"stalls"`

	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// RunAt is the earliest claimable time (backoff scheduling).
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}
