package job

import (
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/status"
)

// Queue payloads are closed structs, one per queue, carrying only the
// fields their processor needs. The queue name discriminates them.

// AnalysisPayload is the payload for the job-analysis queue.
type AnalysisPayload struct {
	JobID       string          `json:"job_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    credit.Category `json:"category"`
	ClientID    string          `json:"client_id"`
}

// AssignPayload is the payload for the auto-assign queue.
type AssignPayload struct {
	JobID string `json:"job_id"`
}

// NotificationPayload is the payload for the notifications queue.
// Address may be left empty; the processor resolves it from the
// user's profile before delivery.
type NotificationPayload struct {
	UserID    string            `json:"user_id"`
	Address   string            `json:"address,omitempty"`
	EventType string            `json:"event_type"`
	Data      map[string]string `json:"data"`
}

// WebhookPayload is the payload for the webhook-events queue, fanning
// committed transitions out to external subscribers.
type WebhookPayload struct {
	Event string            `json:"event"`
	JobID string            `json:"job_id"`
	Data  map[string]string `json:"data"`
}

// Event type constants keyed off the status a transition enters.
const (
	EventJobAssigned  = "job_assigned"
	EventJobStarted   = "job_started"
	EventJobSubmitted = "job_submitted"
	EventJobRevision  = "job_revision"
	EventJobCompleted = "job_completed"
	EventJobCancelled = "job_cancelled"
)

// EventFor maps the entered status to its notification event type.
func EventFor(entered status.State) string {
	switch entered {
	case status.Assigned:
		return EventJobAssigned
	case status.InProgress:
		return EventJobStarted
	case status.Review:
		return EventJobSubmitted
	case status.Revision:
		return EventJobRevision
	case status.Completed:
		return EventJobCompleted
	case status.Cancelled:
		return EventJobCancelled
	default:
		return ""
	}
}
