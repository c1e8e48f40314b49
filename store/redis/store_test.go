package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/status"
	redisstore "github.com/gigwork/conveyor/store/redis"
	"github.com/gigwork/conveyor/task"
)

func newStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client)
}

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
	s := newStore(t)
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
	s := newStore(t)
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

func TestCreateJobWithDebit_NoBalance(t *testing.T) {
	s := newStore(t)

	err := s.CreateJobWithDebit(context.Background(), newJob("ghost", 2))
	if !errors.Is(err, conveyor.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestCreateJobWithDebit_ConcurrentDoubleSpend(t *testing.T) {
	s := newStore(t)
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
		t.Fatalf("got %d successes and %d insufficient, want 1/1", succeeded, insufficient)
	}

	b, _ := s.GetBalance(ctx, "c1")
	if b.Available() != 0 {
		t.Errorf("available = %d, want 0", b.Available())
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10}); err != nil {
		t.Fatalf("put balance: %v", err)
	}

	j := newJob("c1", 2)
	now := time.Now().UTC()
	j.Analysis = &job.Analysis{
		RequiredSkills: []string{"video editing", "color grading"},
		Complexity:     "moderate",
		EstimatedHours: 4.5,
		Confidence:     0.82,
	}
	j.Context = []job.ContextItem{{JobID: "job_prev", Title: "Old promo", Snippet: "cut to 30s", Score: 0.9}}
	j.Flag = &job.ConfidenceFlag{Flagged: true, Reason: "scope unclear", FlaggedAt: now}
	j.AssignedAt = &now

	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Analysis == nil || got.Analysis.Confidence != 0.82 || len(got.Analysis.RequiredSkills) != 2 {
		t.Errorf("analysis did not survive round trip: %+v", got.Analysis)
	}
	if len(got.Context) != 1 || got.Context[0].Score != 0.9 {
		t.Errorf("context did not survive round trip: %+v", got.Context)
	}
	if got.Flag == nil || !got.Flag.Flagged || got.Flag.Reason != "scope unclear" {
		t.Errorf("flag did not survive round trip: %+v", got.Flag)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(now) {
		t.Errorf("assigned_at did not survive round trip: %v", got.AssignedAt)
	}
	if got.Category != credit.CategoryVideo || got.Status != status.Pending {
		t.Errorf("category/status mismatch: %s/%s", got.Category, got.Status)
	}
}

func TestApplyTransition_Persists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10}); err != nil {
		t.Fatalf("put balance: %v", err)
	}
	j := newJob("c1", 2)
	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.ApplyTransition(ctx, j.ID, func(j *job.Job) error {
		j.Status = status.Assigned
		j.WorkerID = "w1"
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != status.Assigned {
		t.Errorf("returned status = %s, want assigned", updated.Status)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != status.Assigned || got.WorkerID != "w1" {
		t.Errorf("stored job = %s / %s, want assigned / w1", got.Status, got.WorkerID)
	}
}

func TestApplyTransition_FailedMutateLeavesJobUntouched(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.PutBalance(ctx, &credit.Balance{ClientID: "c1", StandardCredits: 10}); err != nil {
		t.Fatalf("put balance: %v", err)
	}
	j := newJob("c1", 2)
	if err := s.CreateJobWithDebit(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("rejected")
	if _, err := s.ApplyTransition(ctx, j.ID, func(j *job.Job) error {
		j.Status = status.Completed
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != status.Pending {
		t.Errorf("status = %s, want pending (mutation must not persist)", got.Status)
	}
}

// ──────────────────────────────────────────────────
// Tasks
// ──────────────────────────────────────────────────

func TestClaimTasks_Exclusivity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("notifications", 0)
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	first, err := s.ClaimTasks(ctx, "notifications", w1, 10)
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	second, err := s.ClaimTasks(ctx, "notifications", w2, 10)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}

	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("claims = %d/%d, want 1/0", len(first), len(second))
	}
	if first[0].State != task.StateRunning || first[0].WorkerID != w1 {
		t.Errorf("claimed task = %s / %s, want running / %s", first[0].State, first[0].WorkerID, w1)
	}
	if first[0].HeartbeatAt == nil || first[0].StartedAt == nil {
		t.Error("claim must stamp StartedAt and HeartbeatAt")
	}
}

func TestClaimTasks_PriorityOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	low := newTask("auto-assign", 0)
	high := newTask("auto-assign", 2)
	if err := s.EnqueueTask(ctx, low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := s.EnqueueTask(ctx, high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	claimed, err := s.ClaimTasks(ctx, "auto-assign", id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != high.ID {
		t.Fatalf("expected the high-priority task first, got %v", claimed)
	}
}

func TestClaimTasks_FIFOWithinSameMillisecond(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Identical priority and RunAt: only the enqueue sequence can
	// order these.
	runAt := time.Now().UTC().Add(-time.Second)
	var want []string
	for range 5 {
		tk := newTask("notifications", 1)
		tk.RunAt = runAt
		if err := s.EnqueueTask(ctx, tk); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		want = append(want, tk.ID.String())
	}

	claimed, err := s.ClaimTasks(ctx, "notifications", id.NewWorkerID(), 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 5 {
		t.Fatalf("claimed %d tasks, want 5", len(claimed))
	}
	for i, tk := range claimed {
		if tk.ID.String() != want[i] {
			t.Fatalf("claim order %d = %s, want %s (enqueue order)", i, tk.ID, want[i])
		}
	}
}

func TestClaimTasks_FutureRunAtNotClaimable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("job-analysis", 0)
	tk.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimTasks(ctx, "job-analysis", id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d tasks, want 0", len(claimed))
	}

	// The deferred task must still be there once its RunAt passes.
	tk.RunAt = time.Now().UTC().Add(-time.Minute)
	if err := s.UpdateTask(ctx, tk); err != nil {
		t.Fatalf("update: %v", err)
	}
	claimed, err = s.ClaimTasks(ctx, "job-analysis", id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d tasks after RunAt passed, want 1", len(claimed))
	}
}

func TestUpdateTask_RetryingBecomesClaimable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("webhook-events", 0)
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimTasks(ctx, "webhook-events", id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Simulate the executor scheduling a retry.
	failed := claimed[0]
	failed.State = task.StateRetrying
	failed.Attempts = 1
	failed.WorkerID = id.Nil
	failed.HeartbeatAt = nil
	failed.RunAt = time.Now().UTC().Add(-time.Second)
	if err := s.UpdateTask(ctx, failed); err != nil {
		t.Fatalf("update: %v", err)
	}

	reclaimed, err := s.ClaimTasks(ctx, "webhook-events", id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != tk.ID {
		t.Fatalf("retrying task was not claimable again: %v", reclaimed)
	}
	if reclaimed[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", reclaimed[0].Attempts)
	}
}

func TestStalledTasks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("notifications", 0)
	if err := s.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimTasks(ctx, "notifications", id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Fresh heartbeat: not stalled.
	stalled, err := s.StalledTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("found %d stalled tasks, want 0", len(stalled))
	}

	// Age the heartbeat past the threshold.
	old := time.Now().UTC().Add(-2 * time.Minute)
	aged := claimed[0]
	aged.State = task.StateRunning
	aged.HeartbeatAt = &old
	if err := s.UpdateTask(ctx, aged); err != nil {
		t.Fatalf("update: %v", err)
	}

	stalled, err = s.StalledTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("stalled 2: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != tk.ID {
		t.Fatalf("expected the aged task, got %v", stalled)
	}
}

func TestTrimCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		tk := newTask("notifications", 0)
		tk.State = task.StateCompleted
		done := base.Add(time.Duration(i) * time.Minute)
		tk.CompletedAt = &done
		if err := s.EnqueueTask(ctx, tk); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if err := s.UpdateTask(ctx, tk); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	trimmed, err := s.TrimCompleted(ctx, "notifications", 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 3 {
		t.Errorf("trimmed = %d, want 3", trimmed)
	}

	remaining, err := s.CountTasks(ctx, task.CountOpts{Queue: "notifications", State: task.StateCompleted})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d, want 2", remaining)
	}
}

// ──────────────────────────────────────────────────
// DLQ
// ──────────────────────────────────────────────────

func newDLQEntry(queue string, failedAt time.Time) *dlq.Entry {
	return &dlq.Entry{
		ID:          id.NewDLQID(),
		TaskID:      id.NewTaskID(),
		Queue:       queue,
		Payload:     []byte(`{}`),
		Error:       "boom",
		Attempts:    3,
		MaxAttempts: 3,
		EnqueuedAt:  failedAt.Add(-time.Minute),
		FailedAt:    failedAt,
		CreatedAt:   failedAt,
	}
}

func TestListDLQ_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	older := newDLQEntry("notifications", now.Add(-time.Hour))
	newer := newDLQEntry("notifications", now)
	for _, e := range []*dlq.Entry{older, newer} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %v", entries)
	}
}

func TestMarkRetried_RemovesEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := newDLQEntry("auto-assign", time.Now().UTC())
	if err := s.PushDLQ(ctx, e); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := s.MarkRetried(ctx, e.ID); err != nil {
		t.Fatalf("mark retried: %v", err)
	}
	if _, err := s.GetDLQ(ctx, e.ID); !errors.Is(err, conveyor.ErrDLQNotFound) {
		t.Errorf("entry should be gone, got %v", err)
	}
	if err := s.MarkRetried(ctx, e.ID); !errors.Is(err, conveyor.ErrDLQNotFound) {
		t.Errorf("second mark should report not found, got %v", err)
	}
}

func TestCountDLQ_ByQueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, q := range []string{"notifications", "notifications", "webhook-events"} {
		if err := s.PushDLQ(ctx, newDLQEntry(q, now)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	total, err := s.CountDLQ(ctx, "")
	if err != nil {
		t.Fatalf("count all: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	n, err := s.CountDLQ(ctx, "notifications")
	if err != nil {
		t.Fatalf("count queue: %v", err)
	}
	if n != 2 {
		t.Errorf("notifications = %d, want 2", n)
	}
}

func TestPurgeDLQ(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := newDLQEntry("notifications", now.Add(-48*time.Hour))
	fresh := newDLQEntry("notifications", now)
	for _, e := range []*dlq.Entry{old, fresh} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	purged, err := s.PurgeDLQ(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := s.GetDLQ(ctx, fresh.ID); err != nil {
		t.Errorf("fresh entry should survive: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

func TestAddCredits_CreatesBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.AddCredits(ctx, "c-new", 10, 3); err != nil {
		t.Fatalf("add: %v", err)
	}

	b, err := s.GetBalance(ctx, "c-new")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.ClientID != "c-new" || b.StandardCredits != 10 || b.RolloverCredits != 3 {
		t.Errorf("balance = %+v, want c-new 10/3", b)
	}

	if err := s.AddCredits(ctx, "c-new", 5, 0); err != nil {
		t.Fatalf("top up: %v", err)
	}
	b, _ = s.GetBalance(ctx, "c-new")
	if b.StandardCredits != 15 {
		t.Errorf("standard = %d, want 15", b.StandardCredits)
	}
}
