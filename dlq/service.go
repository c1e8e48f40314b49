package dlq

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/task"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store     Store
	taskStore task.Store
}

// NewService creates a DLQ service.
func NewService(store Store, taskStore task.Store) *Service {
	return &Service{store: store, taskStore: taskStore}
}

// Push builds a DLQ Entry from a failed task and persists it.
// The error string is captured from the original processor error.
func (s *Service) Push(ctx context.Context, t *task.Task, taskErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:          id.NewDLQID(),
		TaskID:      t.ID,
		Queue:       t.Queue,
		Payload:     t.Payload,
		Error:       taskErr.Error(),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		EnqueuedAt:  t.CreatedAt,
		FailedAt:    now,
		CreatedAt:   now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// ListFailed returns dead-lettered entries for one queue (or all
// queues if queue is empty), newest failure first.
func (s *Service) ListFailed(ctx context.Context, queue string, limit int) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, ListOpts{Queue: queue, Limit: limit})
}

// Retry re-enqueues one dead-lettered entry as a fresh pending task on
// its original queue: new task ID, attempt counter reset to zero,
// claimable immediately. The entry is marked retried.
func (s *Service) Retry(ctx context.Context, entryID id.DLQID) (*task.Task, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewTaskID(),
		Queue:       entry.Queue,
		Payload:     entry.Payload,
		State:       task.StatePending,
		MaxAttempts: entry.MaxAttempts,
		RunAt:       time.Now().UTC(),
	}

	if err := s.taskStore.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}

	if err := s.store.MarkRetried(ctx, entryID); err != nil {
		// The task is already enqueued; surface the bookkeeping error
		// but return the task.
		return t, err
	}

	return t, nil
}

// RetryBatch retries the given entries. All entries must belong to the
// named queue; an entry from another queue fails the whole batch
// before any re-enqueue happens.
func (s *Service) RetryBatch(ctx context.Context, queue string, entryIDs []id.DLQID) ([]*task.Task, error) {
	if err := s.checkScope(ctx, queue, entryIDs); err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, len(entryIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, eid := range entryIDs {
		g.Go(func() error {
			t, err := s.Retry(gctx, eid)
			if err != nil {
				return fmt.Errorf("retry %s: %w", eid, err)
			}
			tasks[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// RetryAll retries every dead-lettered entry on the named queue and
// returns how many were re-enqueued.
func (s *Service) RetryAll(ctx context.Context, queue string) (int, error) {
	if queue == "" {
		return 0, fmt.Errorf("dlq: retry-all requires an explicit queue")
	}
	entries, err := s.store.ListDLQ(ctx, ListOpts{Queue: queue})
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if _, err := s.Retry(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("retry %s: %w", e.ID, err)
		}
	}
	return len(entries), nil
}

// Remove permanently discards the given entries. All entries must
// belong to the named queue.
func (s *Service) Remove(ctx context.Context, queue string, entryIDs []id.DLQID) error {
	if err := s.checkScope(ctx, queue, entryIDs); err != nil {
		return err
	}
	for _, eid := range entryIDs {
		if err := s.store.RemoveDLQ(ctx, eid); err != nil {
			return fmt.Errorf("remove %s: %w", eid, err)
		}
	}
	return nil
}

// RemoveAll discards every dead-lettered entry on the named queue and
// returns how many were removed.
func (s *Service) RemoveAll(ctx context.Context, queue string) (int, error) {
	if queue == "" {
		return 0, fmt.Errorf("dlq: remove-all requires an explicit queue")
	}
	entries, err := s.store.ListDLQ(ctx, ListOpts{Queue: queue})
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := s.store.RemoveDLQ(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("remove %s: %w", e.ID, err)
		}
	}
	return len(entries), nil
}

// checkScope verifies every entry belongs to the named queue before
// any mutation happens.
func (s *Service) checkScope(ctx context.Context, queue string, entryIDs []id.DLQID) error {
	if queue == "" {
		return fmt.Errorf("dlq: bulk operations require an explicit queue")
	}
	for _, eid := range entryIDs {
		entry, err := s.store.GetDLQ(ctx, eid)
		if err != nil {
			return err
		}
		if entry.Queue != queue {
			return fmt.Errorf("dlq: entry %s belongs to queue %q, not %q", eid, entry.Queue, queue)
		}
	}
	return nil
}

// DLQStore returns the underlying store for direct access to List,
// Get, Purge, and Count.
func (s *Service) DLQStore() Store {
	return s.store
}
