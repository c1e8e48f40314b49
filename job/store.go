package job

import (
	"context"

	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/status"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// ClientID filters by owning client. Empty means all clients.
	ClientID string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// ClientID filters by owning client. Empty means all clients.
	ClientID string
	// Status filters by job status. Empty means all statuses.
	Status status.State
}

// Store defines the persistence contract for marketplace jobs.
//
// CreateJobWithDebit and ApplyTransition are the two atomic operations
// the lifecycle invariants depend on. Both must be all-or-nothing: a
// status write without its mandated side effects, or a debit without
// its job, is a correctness bug the store must make impossible.
type Store interface {
	// CreateJobWithDebit atomically re-checks the client's balance
	// against j.CreditsCharged, applies the rollover-first debit plus
	// usage counters, and persists the job. Returns
	// *credit.InsufficientCreditsError without any side effect when
	// the balance does not cover the charge. The balance check and
	// the debit share one critical section so concurrent creations
	// cannot both pass against the same stale balance.
	CreateJobWithDebit(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// ApplyTransition atomically reads the job, runs mutate on it, and
	// persists the result. If mutate returns an error nothing is
	// written. Concurrent ApplyTransition calls on the same job are
	// serialized, so mutate always sees the latest committed state.
	ApplyTransition(ctx context.Context, jobID id.JobID, mutate func(j *Job) error) (*Job, error)

	// ListJobsByStatus returns jobs matching the given status.
	ListJobsByStatus(ctx context.Context, st status.State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
