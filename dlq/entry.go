package dlq

import (
	"time"

	"github.com/gigwork/conveyor/id"
)

// Entry represents a task that has exhausted its retry budget and been
// moved to the dead letter queue for inspection or remediation.
type Entry struct {
	ID          id.DLQID   `json:"id"`
	TaskID      id.TaskID  `json:"task_id"`
	Queue       string     `json:"queue"`
	Payload     []byte     `json:"payload"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	FailedAt    time.Time  `json:"failed_at"`
	RetriedAt   *time.Time `json:"retried_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
