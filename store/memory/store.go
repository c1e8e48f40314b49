// Package memory provides a fully in-memory store implementation.
// Safe for concurrent access. Intended for unit testing and
// development; production deployments use store/redis.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store    = (*Store)(nil)
	_ task.Store   = (*Store)(nil)
	_ credit.Store = (*Store)(nil)
	_ dlq.Store    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	tasks    map[string]*task.Task
	balances map[string]*credit.Balance
	dlqs     map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		tasks:    make(map[string]*task.Task),
		balances: make(map[string]*credit.Balance),
		dlqs:     make(map[string]*dlq.Entry),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// cloneJob deep-copies a job. Pointer and slice fields must never be
// shared between the stored value and callers: ResolveFlag mutates
// through j.Flag inside an ApplyTransition scratch copy, and a shared
// pointer would leak that write to concurrent readers before commit.
func cloneJob(j *job.Job) *job.Job {
	cp := *j
	if j.Analysis != nil {
		a := *j.Analysis
		a.RequiredSkills = append([]string(nil), j.Analysis.RequiredSkills...)
		cp.Analysis = &a
	}
	if j.Context != nil {
		cp.Context = append([]job.ContextItem(nil), j.Context...)
	}
	if j.Flag != nil {
		f := *j.Flag
		f.ResolvedAt = cloneTime(j.Flag.ResolvedAt)
		cp.Flag = &f
	}
	cp.AssignedAt = cloneTime(j.AssignedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.WorkerPaidAt = cloneTime(j.WorkerPaidAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// CreateJobWithDebit atomically re-checks the balance, applies the
// rollover-first debit plus usage counters, and persists the job.
// The single mutex is the critical section that closes check-then-act:
// two concurrent creations against the same balance serialize here.
func (m *Store) CreateJobWithDebit(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}

	b, ok := m.balances[j.ClientID]
	if !ok {
		return conveyor.ErrBalanceNotFound
	}

	if chk := credit.Check(b.Available(), j.CreditsCharged); !chk.HasEnough {
		return credit.NewInsufficientCredits(j.CreditsCharged, b.Available())
	}

	plan := credit.PlanDebit(b.RolloverCredits, b.StandardCredits, j.CreditsCharged)
	b.RolloverCredits -= plan.RolloverDebit
	b.StandardCredits -= plan.StandardDebit
	b.JobsCreated++
	b.TotalSpent += j.CreditsCharged

	m.jobs[key] = cloneJob(j)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	cp := cloneJob(j)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// ApplyTransition atomically reads, mutates, and persists a job. The
// mutex serializes concurrent transitions on the same job.
func (m *Store) ApplyTransition(_ context.Context, jobID id.JobID, mutate func(j *job.Job) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	stored, ok := m.jobs[key]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}

	// Mutate a copy so a failed mutate leaves the stored job untouched.
	cp := cloneJob(stored)
	if err := mutate(cp); err != nil {
		return nil, err
	}

	m.jobs[key] = cp
	return cloneJob(cp), nil
}

// ListJobsByStatus returns jobs matching the given status.
func (m *Store) ListJobsByStatus(_ context.Context, st status.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != st {
			continue
		}
		if opts.ClientID != "" && j.ClientID != opts.ClientID {
			continue
		}
		result = append(result, cloneJob(j))
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.ClientID != "" && j.ClientID != opts.ClientID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// EnqueueTask durably appends a new task in pending state.
func (m *Store) EnqueueTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return conveyor.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// ClaimTasks atomically leases up to limit claimable tasks from the
// given queue, sets them to running, and returns them.
func (m *Store) ClaimTasks(_ context.Context, queue string, workerID id.WorkerID, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Queue != queue {
			continue
		}
		if t.State != task.StatePending && t.State != task.StateRetrying {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}

	// Sort: priority DESC, RunAt ASC, enqueue order for ties.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].RunAt.Equal(candidates[k].RunAt) {
			return candidates[i].RunAt.Before(candidates[k].RunAt)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		t.State = task.StateRunning
		t.WorkerID = workerID
		n := now
		t.StartedAt = &n
		hb := now
		t.HeartbeatAt = &hb
		// Return a copy so callers can mutate without racing with the store.
		cp := *t
		result[i] = &cp
	}

	return result, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, conveyor.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return conveyor.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// DeleteTask removes a task by ID.
func (m *Store) DeleteTask(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := taskID.String()
	if _, ok := m.tasks[key]; !ok {
		return conveyor.ErrTaskNotFound
	}
	delete(m.tasks, key)
	return nil
}

// ListTasksByState returns tasks matching the given state.
func (m *Store) ListTasksByState(_ context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != state {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountTasks returns the number of tasks matching the given options.
func (m *Store) CountTasks(_ context.Context, opts task.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// HeartbeatTask refreshes the lease on a running task.
func (m *Store) HeartbeatTask(_ context.Context, taskID id.TaskID, _ id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return conveyor.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

// StalledTasks returns running tasks whose last heartbeat is older
// than the threshold.
func (m *Store) StalledTasks(_ context.Context, threshold time.Duration) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stalled []*task.Task
	for _, t := range m.tasks {
		if t.State != task.StateRunning {
			continue
		}
		if t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			cp := *t
			stalled = append(stalled, &cp)
		}
	}
	return stalled, nil
}

// TrimCompleted removes the oldest completed tasks on a queue beyond
// the retain count.
func (m *Store) TrimCompleted(_ context.Context, queue string, retain int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []*task.Task
	for _, t := range m.tasks {
		if t.Queue == queue && t.State == task.StateCompleted {
			completed = append(completed, t)
		}
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
		delete(m.tasks, t.ID.String())
		trimmed++
	}
	return trimmed, nil
}

// ──────────────────────────────────────────────────
// Credit Store
// ──────────────────────────────────────────────────

// GetBalance retrieves a client's balance.
func (m *Store) GetBalance(_ context.Context, clientID string) (*credit.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[clientID]
	if !ok {
		return nil, conveyor.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

// PutBalance creates or replaces a client's balance.
func (m *Store) PutBalance(_ context.Context, b *credit.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	m.balances[b.ClientID] = &cp
	return nil
}

// AddCredits tops up a client's balance atomically, creating the
// balance if it does not exist.
func (m *Store) AddCredits(_ context.Context, clientID string, standard, rollover int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[clientID]
	if !ok {
		b = &credit.Balance{ClientID: clientID}
		m.balances[clientID] = b
	}
	b.StandardCredits += standard
	b.RolloverCredits += rollover
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a failed task entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest
// failure first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, conveyor.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkRetried stamps an entry as retried and removes it from the
// browsable set.
func (m *Store) MarkRetried(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return conveyor.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.RetriedAt = &now
	delete(m.dlqs, entryID.String())
	return nil
}

// RemoveDLQ permanently discards an entry.
func (m *Store) RemoveDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.dlqs[key]; !ok {
		return conveyor.ErrDLQNotFound
	}
	delete(m.dlqs, key)
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the number of entries, optionally filtered by queue.
func (m *Store) CountDLQ(_ context.Context, queue string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, e := range m.dlqs {
		if queue != "" && e.Queue != queue {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// paginate applies offset/limit to a sorted slice.
func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
