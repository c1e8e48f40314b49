package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/hook"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/task"
)

// Enqueuer appends a task onto a named queue. Implemented by the
// engine; accepted as an interface so the service stays testable.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, priority int) (*task.Task, error)
}

// Sentinel errors for flag operations.
var (
	ErrAlreadyFlagged = errors.New("job: already flagged")
	ErrNotFlagged     = errors.New("job: not flagged")
)

// CreateRequest carries the client-supplied fields for a new job.
type CreateRequest struct {
	ClientID    string
	Title       string
	Description string
	Category    credit.Category
	Priority    credit.Priority
}

// TransitionRequest asks for a status change on behalf of an actor.
type TransitionRequest struct {
	JobID id.JobID
	To    status.State
	Role  status.Role

	// ActorID is the user performing the transition, recorded in
	// notification data.
	ActorID string

	// WorkerID is the assignee; required for pending -> assigned.
	WorkerID string
}

// Service owns job creation and lifecycle transitions.
type Service struct {
	store  Store
	enq    Enqueuer
	hooks  *hook.Registry
	logger *slog.Logger
}

// NewService creates a job Service.
func NewService(store Store, enq Enqueuer, hooks *hook.Registry, logger *slog.Logger) *Service {
	return &Service{store: store, enq: enq, hooks: hooks, logger: logger}
}

// Create quotes the job's cost, debits the client and persists the job
// atomically, then enqueues the analysis task. Insufficient credits
// abort before any document or task exists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	q := credit.QuoteFor(req.Category, req.Priority)

	now := time.Now().UTC()
	j := &Job{
		ID:             id.NewJobID(),
		ClientID:       req.ClientID,
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		Priority:       req.Priority,
		Status:         status.Pending,
		CreditsCharged: q.Total,
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := s.store.CreateJobWithDebit(ctx, j); err != nil {
		return nil, err
	}

	s.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("client_id", j.ClientID),
		slog.String("category", string(j.Category)),
		slog.Int("credits_charged", j.CreditsCharged),
	)

	payload := AnalysisPayload{
		JobID:       j.ID.String(),
		Title:       j.Title,
		Description: j.Description,
		Category:    j.Category,
		ClientID:    j.ClientID,
	}
	if _, err := s.enq.Enqueue(ctx, queue.JobAnalysis, payload, credit.QueuePriority(j.Priority)); err != nil {
		// The job and debit are committed; losing the analysis task
		// is recoverable via remediation, so log rather than unwind.
		s.logger.Error("failed to enqueue analysis task",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return j, nil
}

// Transition validates the requested status change against the
// transition authority and applies its declared side effects together
// with the status write as one atomic update. Notification and webhook
// tasks are enqueued only after the write commits.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Job, error) {
	var (
		decision status.Decision
		from     status.State
	)

	updated, err := s.store.ApplyTransition(ctx, req.JobID, func(j *Job) error {
		from = j.Status
		decision = status.Decide(j.Status, req.To, req.Role)

		if !decision.Allowed {
			return decision.Reason
		}
		if decision.NoOp {
			return nil
		}

		now := time.Now().UTC()
		for _, eff := range decision.Effects {
			applyEffect(j, eff, now)
		}

		if req.To == status.Assigned {
			if req.WorkerID == "" {
				return fmt.Errorf("%w: assignment requires a worker", status.ErrInvalidTransition)
			}
			j.WorkerID = req.WorkerID
		}

		j.Status = req.To
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if decision.NoOp {
		return updated, nil
	}

	s.logger.Info("job transitioned",
		slog.String("job_id", updated.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(updated.Status)),
		slog.String("role", string(req.Role)),
	)

	s.hooks.EmitJobTransitioned(ctx, updated.ID.String(), from, updated.Status)
	s.fanOut(ctx, updated, decision.Effects)

	return updated, nil
}

// applyEffect applies one declared side effect in-place. Timestamp
// fields and earnings are stamped at most once, so redelivered
// transition work cannot double-credit.
func applyEffect(j *Job, eff status.Effect, now time.Time) {
	switch eff.Kind {
	case status.EffectStampTimestamp:
		switch eff.Field {
		case status.FieldAssignedAt:
			if j.AssignedAt == nil {
				j.AssignedAt = &now
			}
		case status.FieldStartedAt:
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
		case status.FieldCompletedAt:
			if j.CompletedAt == nil {
				j.CompletedAt = &now
			}
		}
	case status.EffectComputeEarnings:
		if j.WorkerPaidAt == nil {
			j.WorkerEarnings = credit.EarningsFor(j.CreditsCharged)
			j.WorkerPaidAt = &now
		}
	case status.EffectNotify:
		// Declared here, executed by fanOut after commit.
	}
}

// fanOut enqueues the notification and webhook tasks a committed
// transition mandates. Enqueue failures are logged, not returned: the
// transition is already durable and the tasks are remediable.
func (s *Service) fanOut(ctx context.Context, j *Job, effects []status.Effect) {
	event := EventFor(j.Status)
	prio := credit.QueuePriority(j.Priority)

	data := map[string]string{
		"job_id":    j.ID.String(),
		"job_title": j.Title,
		"status":    string(j.Status),
	}
	// The completion template renders ${earnings}, so the key must be
	// present even when the floored payout is zero (a 1-credit job).
	for _, eff := range effects {
		if eff.Kind == status.EffectComputeEarnings {
			data["earnings"] = fmt.Sprintf("%d", j.WorkerEarnings)
		}
	}

	for _, eff := range effects {
		if eff.Kind != status.EffectNotify {
			continue
		}

		userID := ""
		switch eff.Target {
		case status.NotifyClient:
			userID = j.ClientID
		case status.NotifyWorker:
			userID = j.WorkerID
		case status.NotifyAdmin:
			userID = "admin"
		}
		if userID == "" {
			continue
		}

		payload := NotificationPayload{
			UserID:    userID,
			EventType: event,
			Data:      data,
		}
		if _, err := s.enq.Enqueue(ctx, queue.Notifications, payload, prio); err != nil {
			s.logger.Error("failed to enqueue notification task",
				slog.String("job_id", j.ID.String()),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	webhook := WebhookPayload{Event: event, JobID: j.ID.String(), Data: data}
	if _, err := s.enq.Enqueue(ctx, queue.WebhookEvents, webhook, prio); err != nil {
		s.logger.Error("failed to enqueue webhook task",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Get retrieves a job by ID.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// RaiseFlag records a worker's confidence concern on a job. Raising a
// flag on an already-flagged job is an error.
func (s *Service) RaiseFlag(ctx context.Context, jobID id.JobID, reason, raisedBy string) (*Job, error) {
	updated, err := s.store.ApplyTransition(ctx, jobID, func(j *Job) error {
		if j.Flag != nil && j.Flag.Flagged {
			return ErrAlreadyFlagged
		}
		now := time.Now().UTC()
		j.Flag = &ConfidenceFlag{
			Flagged:   true,
			Reason:    reason,
			FlaggedAt: now,
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("confidence flag raised",
		slog.String("job_id", jobID.String()),
		slog.String("raised_by", raisedBy),
		slog.String("reason", reason),
	)

	payload := NotificationPayload{
		UserID:    "admin",
		EventType: "job_flagged",
		Data: map[string]string{
			"job_id": jobID.String(),
			"reason": reason,
		},
	}
	if _, enqErr := s.enq.Enqueue(ctx, queue.Notifications, payload, 0); enqErr != nil {
		s.logger.Error("failed to enqueue flag notification",
			slog.String("job_id", jobID.String()),
			slog.String("error", enqErr.Error()),
		)
	}

	return updated, nil
}

// ResolveFlag marks a raised flag as resolved by an admin.
func (s *Service) ResolveFlag(ctx context.Context, jobID id.JobID, resolvedBy string) (*Job, error) {
	updated, err := s.store.ApplyTransition(ctx, jobID, func(j *Job) error {
		if j.Flag == nil || !j.Flag.Flagged {
			return ErrNotFlagged
		}
		if j.Flag.ResolvedAt != nil {
			return nil // already resolved; idempotent
		}
		now := time.Now().UTC()
		j.Flag.ResolvedAt = &now
		j.Flag.ResolvedBy = resolvedBy
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("confidence flag resolved",
		slog.String("job_id", jobID.String()),
		slog.String("resolved_by", resolvedBy),
	)

	return updated, nil
}
