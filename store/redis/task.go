package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/task"
)

// claimRounds bounds how many ZPopMin rounds a single ClaimTasks call
// makes when popped members turn out to be scheduled in the future.
const claimRounds = 4

// Score layout. Every component is an exact float64 integer, so
// ordering is priority first, then RunAt millisecond, then enqueue
// sequence — two tasks enqueued within the same millisecond still
// claim in FIFO order.
const (
	// scoreSeqSlots is how many same-millisecond enqueues keep their
	// order before the sequence wraps within that millisecond.
	scoreSeqSlots = 1 << 10

	// scorePriorityBand separates adjacent priorities. It dominates
	// the millisecond component for roughly the next seventy years.
	scorePriorityBand = 1 << 51
)

// scoreEpoch anchors the millisecond component so scores stay inside
// float64's exact-integer range.
var scoreEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// taskScore encodes claim order into a sorted-set score: higher
// priority sorts first (lower score), then earlier RunAt, then the
// global enqueue sequence.
func taskScore(priority int, runAt time.Time, seq int64) float64 {
	ms := runAt.Sub(scoreEpoch).Milliseconds()
	return float64(-priority)*scorePriorityBand + float64(ms*scoreSeqSlots+seq%scoreSeqSlots)
}

// nextSeq draws the next value from the global enqueue counter.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	seq, err := s.client.Incr(ctx, queueSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: queue sequence: %w", err)
	}
	return seq, nil
}

// EnqueueTask durably appends a new task in pending state.
func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue task exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrTaskAlreadyExists
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{
		Score:  taskScore(t.Priority, t.RunAt, seq),
		Member: tID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: enqueue task: %w", err)
	}
	return nil
}

// ClaimTasks atomically leases up to limit claimable tasks from the
// given queue. ZPopMin gives pop exclusivity; popped members whose
// RunAt is still in the future are pushed back untouched.
func (s *Store) ClaimTasks(ctx context.Context, queue string, workerID id.WorkerID, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	qk := queueKey(queue)

	var claimed []*task.Task
	var deferred []goredis.Z

	for round := 0; round < claimRounds && len(claimed) < limit; round++ {
		want := int64(limit - len(claimed))
		members, err := s.client.ZPopMin(ctx, qk, want).Result()
		if err != nil {
			s.pushBack(ctx, qk, deferred)
			return nil, fmt.Errorf("conveyor/redis: claim zpopmin: %w", err)
		}
		if len(members) == 0 {
			break
		}

		for _, z := range members {
			tID, ok := z.Member.(string)
			if !ok {
				continue
			}
			t, getErr := s.getTaskByKey(ctx, taskKey(tID))
			if getErr != nil {
				continue
			}
			if t.RunAt.After(now) {
				deferred = append(deferred, z)
				continue
			}

			t.State = task.StateRunning
			t.WorkerID = workerID
			t.StartedAt = &now
			t.HeartbeatAt = &now
			t.UpdatedAt = now
			if setErr := s.client.HSet(ctx, taskKey(tID), taskToMap(t)).Err(); setErr != nil {
				s.pushBack(ctx, qk, deferred)
				return nil, fmt.Errorf("conveyor/redis: claim lease: %w", setErr)
			}
			claimed = append(claimed, t)
		}
	}

	s.pushBack(ctx, qk, deferred)
	return claimed, nil
}

// pushBack restores not-yet-claimable members to the queue sorted set.
func (s *Store) pushBack(ctx context.Context, qk string, members []goredis.Z) {
	if len(members) == 0 {
		return
	}
	if err := s.client.ZAdd(ctx, qk, members...).Err(); err != nil {
		s.logger.Error("failed to restore deferred tasks to queue",
			slog.String("queue", qk), slog.Any("error", err))
	}
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task, keeping the queue
// sorted set in sync: pending and retrying tasks are claimable, every
// other state is not.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrTaskNotFound
	}

	t.UpdatedAt = time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	switch t.State {
	case task.StatePending, task.StateRetrying:
		seq, seqErr := s.nextSeq(ctx)
		if seqErr != nil {
			return seqErr
		}
		pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{
			Score:  taskScore(t.Priority, t.RunAt, seq),
			Member: tID,
		})
	default:
		pipe.ZRem(ctx, queueKey(t.Queue), tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	tID := taskID.String()
	key := taskKey(tID)

	t, err := s.getTaskByKey(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, taskIDsKey, tID)
	pipe.ZRem(ctx, queueKey(t.Queue), tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete task: %w", err)
	}
	return nil
}

// ListTasksByState returns tasks matching the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	tasks, err := s.scanTasks(ctx, func(t *task.Task) bool {
		if t.State != state {
			return false
		}
		return opts.Queue == "" || t.Queue == opts.Queue
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})

	return paginate(tasks, opts.Offset, opts.Limit), nil
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	if opts.Queue == "" && opts.State == "" {
		count, err := s.client.SCard(ctx, taskIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("conveyor/redis: count tasks: %w", err)
		}
		return count, nil
	}

	tasks, err := s.scanTasks(ctx, func(t *task.Task) bool {
		if opts.Queue != "" && t.Queue != opts.Queue {
			return false
		}
		return opts.State == "" || t.State == opts.State
	})
	if err != nil {
		return 0, err
	}
	return int64(len(tasks)), nil
}

// HeartbeatTask refreshes the lease on a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, _ id.WorkerID) error {
	key := taskKey(taskID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrTaskNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "heartbeat_at", now).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat: %w", err)
	}
	return nil
}

// StalledTasks returns running tasks whose last heartbeat is older than
// the threshold.
func (s *Store) StalledTasks(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	return s.scanTasks(ctx, func(t *task.Task) bool {
		if t.State != task.StateRunning {
			return false
		}
		return t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff)
	})
}

// TrimCompleted removes the oldest completed tasks on a queue beyond
// the retain count.
func (s *Store) TrimCompleted(ctx context.Context, queue string, retain int) (int64, error) {
	completed, err := s.scanTasks(ctx, func(t *task.Task) bool {
		return t.State == task.StateCompleted && t.Queue == queue
	})
	if err != nil {
		return 0, err
	}
	if len(completed) <= retain {
		return 0, nil
	}

	// Newest first; everything past retain goes.
	sort.Slice(completed, func(i, k int) bool {
		ti, tk := completed[i].CompletedAt, completed[k].CompletedAt
		if ti == nil || tk == nil {
			return tk == nil
		}
		return ti.After(*tk)
	})

	var trimmed int64
	for _, t := range completed[retain:] {
		tID := t.ID.String()
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, taskKey(tID))
		pipe.SRem(ctx, taskIDsKey, tID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return trimmed, fmt.Errorf("conveyor/redis: trim completed: %w", pErr)
		}
		trimmed++
	}
	return trimmed, nil
}

// ── helpers ──

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// scanTasks enumerates every task and keeps those matching the filter.
func (s *Store) scanTasks(ctx context.Context, keep func(*task.Task) bool) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: scan tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		vals, getErr := s.client.HGetAll(ctx, taskKey(tID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		t, convErr := mapToTask(vals)
		if convErr != nil {
			continue
		}
		if keep(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func taskToMap(t *task.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":           t.ID.String(),
		"queue":        t.Queue,
		"payload":      string(t.Payload),
		"state":        string(t.State),
		"priority":     strconv.Itoa(t.Priority),
		"attempts":     strconv.Itoa(t.Attempts),
		"max_attempts": strconv.Itoa(t.MaxAttempts),
		"last_error":   t.LastError,
		"stalls":       strconv.Itoa(t.Stalls),
		"run_at":       t.RunAt.Format(time.RFC3339Nano),
		"created_at":   t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !t.WorkerID.IsNil() {
		m["worker_id"] = t.WorkerID.String()
	} else {
		m["worker_id"] = ""
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if t.HeartbeatAt != nil {
		m["heartbeat_at"] = t.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse task id: %w", err)
	}
	priority, _ := strconv.Atoi(m["priority"])       //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])       //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data
	stalls, _ := strconv.Atoi(m["stalls"])           //nolint:errcheck // best-effort parse from trusted Redis data

	t := &task.Task{
		ID:          tID,
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		State:       task.State(m["state"]),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		Stalls:      stalls,
	}
	if v := m["worker_id"]; v != "" {
		t.WorkerID, _ = id.ParseWorkerID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	t.RunAt, _ = time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	t.StartedAt = parseTimePtr(m["started_at"])
	t.CompletedAt = parseTimePtr(m["completed_at"])
	t.HeartbeatAt = parseTimePtr(m["heartbeat_at"])
	return t, nil
}
