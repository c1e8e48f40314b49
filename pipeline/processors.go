package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/notify"
	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/task"
)

// contextTopK is how many past-work items the analysis stage retrieves.
const contextTopK = 5

// NewAnalysisProcessor returns the job-analysis queue processor. It
// invokes the analysis collaborator, optionally the context retriever,
// writes both onto the job, and chains an auto-assign task.
//
// Redelivery is safe: the analysis write replaces the same fields, and
// the downstream assign processor skips jobs that already left pending.
func NewAnalysisProcessor(
	jobs job.Store,
	analyzer Analyzer,
	retriever ContextRetriever,
	enq job.Enqueuer,
	logger *slog.Logger,
) *task.Definition[job.AnalysisPayload] {
	return task.NewDefinition(queue.JobAnalysis, func(ctx context.Context, p job.AnalysisPayload) error {
		jobID, err := id.ParseJobID(p.JobID)
		if err != nil {
			return conveyor.Permanent(fmt.Errorf("analysis: bad job id %q: %w", p.JobID, err))
		}

		analysis, err := analyzer.Analyze(ctx, p.Title, p.Description, p.Category)
		if err != nil {
			return fmt.Errorf("analysis: analyze job %s: %w", p.JobID, err)
		}

		// Context retrieval is best-effort: proceed empty on failure.
		items, err := retriever.Retrieve(ctx, p.ClientID, p.Title+" "+p.Description, contextTopK)
		if err != nil {
			logger.Warn("context retrieval failed, proceeding without context",
				slog.String("job_id", p.JobID),
				slog.String("error", err.Error()),
			)
			items = nil
		}

		updated, err := jobs.ApplyTransition(ctx, jobID, func(j *job.Job) error {
			j.Analysis = analysis
			j.Context = items
			return nil
		})
		if err != nil {
			return fmt.Errorf("analysis: write job %s: %w", p.JobID, err)
		}

		// Chain the next stage by explicit re-enqueue.
		next := job.AssignPayload{JobID: p.JobID}
		if _, err := enq.Enqueue(ctx, queue.AutoAssign, next, credit.QueuePriority(updated.Priority)); err != nil {
			return fmt.Errorf("analysis: chain auto-assign for job %s: %w", p.JobID, err)
		}

		return nil
	})
}

// NewAssignProcessor returns the auto-assign queue processor. It picks
// a worker from the directory and performs the validated
// pending -> assigned transition as the system (admin) role.
//
// A job that already left pending is treated as done, so redelivered
// assign tasks are no-ops.
func NewAssignProcessor(
	svc *job.Service,
	directory Directory,
	selector Selector,
	logger *slog.Logger,
) *task.Definition[job.AssignPayload] {
	return task.NewDefinition(queue.AutoAssign, func(ctx context.Context, p job.AssignPayload) error {
		jobID, err := id.ParseJobID(p.JobID)
		if err != nil {
			return conveyor.Permanent(fmt.Errorf("assign: bad job id %q: %w", p.JobID, err))
		}

		j, err := svc.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("assign: load job %s: %w", p.JobID, err)
		}

		if j.Status != status.Pending {
			logger.Debug("job already left pending, skipping assignment",
				slog.String("job_id", p.JobID),
				slog.String("status", string(j.Status)),
			)
			return nil
		}

		candidates, err := directory.Candidates(ctx, j)
		if err != nil {
			return fmt.Errorf("assign: list candidates for job %s: %w", p.JobID, err)
		}
		if len(candidates) == 0 {
			// Workers may come online; let the retry budget decide.
			return fmt.Errorf("assign: no eligible workers for job %s", p.JobID)
		}

		chosen := selector.Select(candidates)

		_, err = svc.Transition(ctx, job.TransitionRequest{
			JobID:    jobID,
			To:       status.Assigned,
			Role:     status.RoleAdmin,
			ActorID:  "system",
			WorkerID: chosen.ID,
		})
		if err != nil {
			// Lost the race against a manual assignment: the job is
			// no longer pending, which is the outcome we wanted.
			if errors.Is(err, status.ErrInvalidTransition) {
				return nil
			}
			return fmt.Errorf("assign: transition job %s: %w", p.JobID, err)
		}

		logger.Info("job auto-assigned",
			slog.String("job_id", p.JobID),
			slog.String("worker_id", chosen.ID),
		)

		return nil
	})
}

// NewNotificationProcessor returns the notifications queue processor.
// Template failures dead-letter immediately; address lookup and
// delivery failures retry.
func NewNotificationProcessor(
	templates *notify.Registry,
	addresses AddressBook,
	deliverer notify.Deliverer,
	logger *slog.Logger,
) *task.Definition[job.NotificationPayload] {
	return task.NewDefinition(queue.Notifications, func(ctx context.Context, p job.NotificationPayload) error {
		address := p.Address
		if address == "" {
			resolved, err := addresses.Address(ctx, p.UserID)
			if err != nil {
				return fmt.Errorf("notify: resolve address for %s: %w", p.UserID, err)
			}
			address = resolved
		}

		msg, err := templates.RenderEvent(p.EventType, p.Data)
		if err != nil {
			return err
		}

		if err := deliverer.Send(ctx, address, msg.Subject, msg.Body); err != nil {
			return fmt.Errorf("notify: deliver %s to %s: %w", p.EventType, p.UserID, err)
		}

		logger.Debug("notification delivered",
			slog.String("user_id", p.UserID),
			slog.String("event_type", p.EventType),
		)

		return nil
	})
}

// NewWebhookProcessor returns the webhook-events queue processor.
func NewWebhookProcessor(sink WebhookSink, logger *slog.Logger) *task.Definition[job.WebhookPayload] {
	return task.NewDefinition(queue.WebhookEvents, func(ctx context.Context, p job.WebhookPayload) error {
		if err := sink.Publish(ctx, p.Event, p.JobID, p.Data); err != nil {
			return fmt.Errorf("webhook: publish %s for job %s: %w", p.Event, p.JobID, err)
		}

		logger.Debug("webhook published",
			slog.String("event", p.Event),
			slog.String("job_id", p.JobID),
		)

		return nil
	})
}
