package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/status"
	"github.com/gigwork/conveyor/store/memory"
	"github.com/gigwork/conveyor/task"
)

func newJob(clientID string, charged int) *job.Job {
	j := &job.Job{
		ID:             id.NewJobID(),
		ClientID:       clientID,
		Title:          "Edit promo video",
		Category:       credit.CategoryVideo,
		Priority:       credit.PriorityStandard,
		Status:         status.Pending,
		CreditsCharged: charged,
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	return j
}

func newTask(queue string, priority int) *task.Task {
	t := &task.Task{
		ID:          id.NewTaskID(),
		Queue:       queue,
		Payload:     []byte(`{}`),
		State:       task.StatePending,
		Priority:    priority,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC(),
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	return t
}

// ──────────────────────────────────────────────────
// Job / Credit
// ──────────────────────────────────────────────────

func TestCreateJobWithDebit_RolloverFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", RolloverCredits: 1, StandardCredits: 5}); err != nil {
		t.Fatalf("put balance: %v", err)
	}

	if err := s.CreateJobWithDebit(ctx, newJob("c1", 2)); err != nil {
		t.Fatalf("create: %v", err)
	}

	b, err := s.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.RolloverCredits != 0 || b.StandardCredits != 4 {
		t.Errorf("balance = rollover %d standard %d, want 0/4", b.RolloverCredits, b.StandardCredits)
	}
	if b.JobsCreated != 1 || b.TotalSpent != 2 {
		t.Errorf("counters = created %d spent %d, want 1/2", b.JobsCreated, b.TotalSpent)
	}
}

func TestCreateJobWithDebit_Insufficient(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 1}); err != nil {
		t.Fatalf("put balance: %v", err)
	}

	j := newJob("c1", 5)
	err := s.CreateJobWithDebit(ctx, j)

	var insufficient *credit.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Shortfall != 4 {
		t.Errorf("shortfall = %d, want 4", insufficient.Shortfall)
	}

	// Nothing was created or debited.
	if _, getErr := s.GetJob(ctx, j.ID); !errors.Is(getErr, conveyor.ErrJobNotFound) {
		t.Errorf("job should not exist, got %v", getErr)
	}
	b, _ := s.GetBalance(ctx, "c1")
	if b.StandardCredits != 1 {
		t.Errorf("balance was debited: %d", b.StandardCredits)
	}
}

func TestCreateJobWithDebit_ConcurrentDoubleSpend(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	// Balance covers exactly one of the two jobs.
	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 3}); err != nil {
		t.Fatalf("put balance: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.CreateJobWithDebit(ctx, newJob("c1", 3))
		}()
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		var ice *credit.InsufficientCreditsError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &ice):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Errorf("succeeded=%d insufficient=%d, want 1/1", succeeded, insufficient)
	}

	b, _ := s.GetBalance(ctx, "c1")
	if b.StandardCredits != 0 {
		t.Errorf("balance = %d, want 0", b.StandardCredits)
	}
}

func TestApplyTransition_FailedMutateLeavesJobUntouched(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10})
	j := newJob("c1", 2)
	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	wantErr := errors.New("denied")
	_, err := s.ApplyTransition(ctx, j.ID, func(mut *job.Job) error {
		mut.Status = status.Assigned
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != status.Pending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestJobCopiesDoNotShareFlag(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10})
	j := newJob("c1", 2)
	j.Flag = &job.ConfidenceFlag{Flagged: true, Reason: "unclear brief", FlaggedAt: time.Now().UTC()}
	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Writing through a read result must not reach the stored job.
	read, _ := s.GetJob(ctx, j.ID)
	now := time.Now().UTC()
	read.Flag.ResolvedAt = &now
	read.Flag.ResolvedBy = "rogue"
	read.Analysis = &job.Analysis{Complexity: "high"}

	stored, _ := s.GetJob(ctx, j.ID)
	if stored.Flag.ResolvedAt != nil || stored.Flag.ResolvedBy != "" {
		t.Errorf("stored flag mutated through a read copy: %+v", stored.Flag)
	}

	// A failed ApplyTransition mutate that wrote through the flag
	// pointer must leave the stored job untouched too.
	wantErr := errors.New("denied")
	_, err := s.ApplyTransition(ctx, j.ID, func(mut *job.Job) error {
		mut.Flag.ResolvedAt = &now
		mut.Flag.ResolvedBy = "half-done"
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	stored, _ = s.GetJob(ctx, j.ID)
	if stored.Flag.ResolvedAt != nil {
		t.Error("aborted mutate leaked through the shared flag pointer")
	}
}

func TestApplyTransition_Persists(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10})
	j := newJob("c1", 2)
	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.ApplyTransition(ctx, j.ID, func(mut *job.Job) error {
		mut.Status = status.Assigned
		mut.WorkerID = "w1"
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != status.Assigned {
		t.Errorf("returned status = %q", updated.Status)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != status.Assigned || got.WorkerID != "w1" {
		t.Errorf("stored job = %q/%q", got.Status, got.WorkerID)
	}
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

func TestClaimTasks_Exclusivity(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	tk := newTask("job-analysis", 0)
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	first, err := s.ClaimTasks(ctx, "job-analysis", w1, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first claim = %d tasks, want 1", len(first))
	}

	second, err := s.ClaimTasks(ctx, "job-analysis", w2, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second claim = %d tasks, want 0", len(second))
	}
}

func TestClaimTasks_PriorityThenEnqueueOrder(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	low := newTask("q", 0)
	low.RunAt = base
	low.CreatedAt = base
	high := newTask("q", 2)
	high.RunAt = base
	high.CreatedAt = base.Add(time.Second)

	s.EnqueueTask(ctx, low)
	s.EnqueueTask(ctx, high)

	claimed, err := s.ClaimTasks(ctx, "q", id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID.String() != high.ID.String() {
		t.Errorf("expected high-priority task claimed first")
	}
}

func TestClaimTasks_FutureRunAtNotClaimable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	tk := newTask("q", 0)
	tk.RunAt = time.Now().UTC().Add(time.Hour)
	s.EnqueueTask(ctx, tk)

	claimed, err := s.ClaimTasks(ctx, "q", id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d tasks scheduled in the future", len(claimed))
	}
}

func TestStalledTasks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	tk := newTask("q", 0)
	s.EnqueueTask(ctx, tk)
	claimed, _ := s.ClaimTasks(ctx, "q", id.NewWorkerID(), 1)
	if len(claimed) != 1 {
		t.Fatal("claim failed")
	}

	// Fresh heartbeat: not stalled.
	stalled, err := s.StalledTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled) != 0 {
		t.Errorf("fresh task reported stalled")
	}

	// Age the heartbeat past the threshold.
	old := time.Now().UTC().Add(-2 * time.Minute)
	aged := claimed[0]
	aged.HeartbeatAt = &old
	if err := s.UpdateTask(ctx, aged); err != nil {
		t.Fatalf("update: %v", err)
	}

	stalled, err = s.StalledTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled) != 1 {
		t.Errorf("stalled = %d, want 1", len(stalled))
	}
}

func TestTrimCompleted(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i := range 5 {
		tk := newTask("q", 0)
		tk.State = task.StateCompleted
		done := time.Now().UTC().Add(time.Duration(i) * time.Second)
		tk.CompletedAt = &done
		s.EnqueueTask(ctx, tk)
	}

	trimmed, err := s.TrimCompleted(ctx, "q", 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 3 {
		t.Errorf("trimmed = %d, want 3", trimmed)
	}

	count, _ := s.CountTasks(ctx, task.CountOpts{Queue: "q", State: task.StateCompleted})
	if count != 2 {
		t.Errorf("remaining = %d, want 2", count)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

func TestListDLQ_NewestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	older := &dlq.Entry{ID: id.NewDLQID(), Queue: "q", FailedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &dlq.Entry{ID: id.NewDLQID(), Queue: "q", FailedAt: time.Now().UTC()}
	s.PushDLQ(ctx, older)
	s.PushDLQ(ctx, newer)

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{Queue: "q"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID.String() != newer.ID.String() {
		t.Errorf("expected newest entry first")
	}
}

func TestMarkRetried_RemovesFromBrowsableSet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	e := &dlq.Entry{ID: id.NewDLQID(), Queue: "q", FailedAt: time.Now().UTC()}
	s.PushDLQ(ctx, e)

	if err := s.MarkRetried(ctx, e.ID); err != nil {
		t.Fatalf("mark retried: %v", err)
	}
	if _, err := s.GetDLQ(ctx, e.ID); !errors.Is(err, conveyor.ErrDLQNotFound) {
		t.Errorf("entry should be gone, got %v", err)
	}
}

func TestCountDLQ_ByQueue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	s.PushDLQ(ctx, &dlq.Entry{ID: id.NewDLQID(), Queue: "a", FailedAt: time.Now().UTC()})
	s.PushDLQ(ctx, &dlq.Entry{ID: id.NewDLQID(), Queue: "b", FailedAt: time.Now().UTC()})

	all, _ := s.CountDLQ(ctx, "")
	if all != 2 {
		t.Errorf("all = %d, want 2", all)
	}
	onlyA, _ := s.CountDLQ(ctx, "a")
	if onlyA != 1 {
		t.Errorf("queue a = %d, want 1", onlyA)
	}
}

// ──────────────────────────────────────────────────
// Credit Store
// ──────────────────────────────────────────────────

func TestAddCredits_CreatesBalance(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.AddCredits(ctx, "c1", 5, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	b, err := s.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.StandardCredits != 5 || b.RolloverCredits != 2 {
		t.Errorf("balance = %d/%d, want 5/2", b.StandardCredits, b.RolloverCredits)
	}
}
