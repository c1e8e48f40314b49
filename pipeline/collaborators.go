package pipeline

import (
	"context"
	"time"

	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/job"
)

// Analyzer is the AI analysis collaborator. Its failure fails the
// analysis task (retryable).
type Analyzer interface {
	Analyze(ctx context.Context, title, description string, category credit.Category) (*job.Analysis, error)
}

// ContextRetriever is the past-work similarity search collaborator.
// It is optional: failures are logged and the pipeline proceeds with
// an empty context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, clientID, query string, topK int) ([]job.ContextItem, error)
}

// Candidate is a marketplace worker eligible for assignment.
type Candidate struct {
	ID             string
	ActiveJobs     int
	LastAssignedAt time.Time
}

// Directory lists workers eligible for a job.
type Directory interface {
	Candidates(ctx context.Context, j *job.Job) ([]Candidate, error)
}

// Selector picks one candidate from a non-empty list.
type Selector interface {
	Select(candidates []Candidate) Candidate
}

// AddressBook resolves a user ID to a deliverable channel address.
type AddressBook interface {
	Address(ctx context.Context, userID string) (string, error)
}

// WebhookSink publishes committed job events to external subscribers.
type WebhookSink interface {
	Publish(ctx context.Context, event, jobID string, data map[string]string) error
}

// LeastLoadedSelector picks the candidate with the fewest active jobs,
// breaking ties by the earliest last assignment so work rotates fairly
// across equally loaded workers.
type LeastLoadedSelector struct{}

// Select implements Selector.
func (LeastLoadedSelector) Select(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveJobs < best.ActiveJobs ||
			(c.ActiveJobs == best.ActiveJobs && c.LastAssignedAt.Before(best.LastAssignedAt)) {
			best = c
		}
	}
	return best
}
