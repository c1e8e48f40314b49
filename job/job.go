package job

import (
	"time"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/status"
)

// Analysis is the structured output of the AI analysis collaborator,
// written onto the Job by the job-analysis processor.
type Analysis struct {
	RequiredSkills []string `json:"required_skills"`
	Complexity     string   `json:"complexity"`
	EstimatedHours float64  `json:"estimated_hours"`
	Confidence     float64  `json:"confidence"`
}

// ContextItem is one past-work similarity hit from the context
// retrieval collaborator.
type ContextItem struct {
	JobID   string  `json:"job_id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// ConfidenceFlag is a worker-raised, admin-resolved concern about a
// job. It is independent of the main state machine.
type ConfidenceFlag struct {
	Flagged    bool       `json:"flagged"`
	Reason     string     `json:"reason"`
	FlaggedAt  time.Time  `json:"flagged_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Job is a client-submitted work order.
type Job struct {
	conveyor.Entity

	ID       id.JobID `json:"id"`
	ClientID string   `json:"client_id"`

	// WorkerID is the marketplace worker assigned to fulfill the job,
	// set by the pending -> assigned transition.
	WorkerID string `json:"worker_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description"`

	Category credit.Category `json:"category"`
	Priority credit.Priority `json:"priority"`

	Status status.State `json:"status"`

	// CreditsCharged is fixed at creation and never recomputed.
	CreditsCharged int `json:"credits_charged"`

	// WorkerEarnings and WorkerPaidAt are set only by the
	// review -> completed transition, exactly once.
	WorkerEarnings int        `json:"worker_earnings,omitempty"`
	WorkerPaidAt   *time.Time `json:"worker_paid_at,omitempty"`

	Analysis *Analysis     `json:"analysis,omitempty"`
	Context  []ContextItem `json:"context,omitempty"`

	Flag *ConfidenceFlag `json:"flag,omitempty"`

	// Lifecycle timestamps, each stamped exactly once by the
	// transition that enters the corresponding state.
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
