package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/status"
)

// txRetries bounds how often an optimistic transaction is re-run after
// a WATCH conflict before giving up.
const txRetries = 10

// CreateJobWithDebit atomically re-checks the client's balance, applies
// the rollover-first debit plus usage counters, and persists the job.
// The balance and job keys are WATCHed so a concurrent debit against
// the same balance aborts the transaction and forces a re-check.
func (s *Store) CreateJobWithDebit(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	jKey := jobKey(jID)
	bKey := balanceKey(j.ClientID)

	txn := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, jKey).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: create job exists: %w", err)
		}
		if exists > 0 {
			return conveyor.ErrJobAlreadyExists
		}

		vals, err := tx.HGetAll(ctx, bKey).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: create job balance: %w", err)
		}
		if len(vals) == 0 {
			return conveyor.ErrBalanceNotFound
		}
		b := mapToBalance(vals)

		if chk := credit.Check(b.Available(), j.CreditsCharged); !chk.HasEnough {
			return credit.NewInsufficientCredits(j.CreditsCharged, b.Available())
		}

		plan := credit.PlanDebit(b.RolloverCredits, b.StandardCredits, j.CreditsCharged)
		b.RolloverCredits -= plan.RolloverDebit
		b.StandardCredits -= plan.StandardDebit
		b.JobsCreated++
		b.TotalSpent += j.CreditsCharged

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, bKey, balanceToMap(b))
			pipe.HSet(ctx, jKey, jobToMap(j))
			pipe.SAdd(ctx, jobIDsKey, jID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("conveyor/redis: create job exec: %w", err)
		}
		return nil
	}

	for range txRetries {
		err := s.client.Watch(ctx, txn, bKey, jKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("conveyor/redis: create job with debit: %w", goredis.TxFailedErr)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	j.UpdatedAt = time.Now().UTC()
	if err := s.client.HSet(ctx, key, jobToMap(j)).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// ApplyTransition atomically reads the job, runs mutate on it, and
// persists the result. The job key is WATCHed; a concurrent write
// aborts the transaction and mutate re-runs against the fresh state.
func (s *Store) ApplyTransition(ctx context.Context, jobID id.JobID, mutate func(j *job.Job) error) (*job.Job, error) {
	key := jobKey(jobID.String())
	var out *job.Job

	txn := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: apply transition get: %w", err)
		}
		if len(vals) == 0 {
			return conveyor.ErrJobNotFound
		}
		j, err := mapToJob(vals)
		if err != nil {
			return err
		}

		if err := mutate(j); err != nil {
			return err
		}
		j.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			return nil
		})
		if err != nil {
			return fmt.Errorf("conveyor/redis: apply transition exec: %w", err)
		}
		out = j
		return nil
	}

	for range txRetries {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("conveyor/redis: apply transition: %w", goredis.TxFailedErr)
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, st status.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
		if j.Status != st {
			continue
		}
		if opts.ClientID != "" && j.ClientID != opts.ClientID {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	return paginate(jobs, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	if opts.ClientID == "" && opts.Status == "" {
		count, err := s.client.SCard(ctx, jobIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("conveyor/redis: count jobs: %w", err)
		}
		return count, nil
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count jobs: %w", err)
	}

	var count int64
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
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

// ── helpers ──

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              j.ID.String(),
		"client_id":       j.ClientID,
		"worker_id":       j.WorkerID,
		"title":           j.Title,
		"description":     j.Description,
		"category":        string(j.Category),
		"priority":        string(j.Priority),
		"status":          string(j.Status),
		"credits_charged": strconv.Itoa(j.CreditsCharged),
		"worker_earnings": strconv.Itoa(j.WorkerEarnings),
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.WorkerPaidAt != nil {
		m["worker_paid_at"] = j.WorkerPaidAt.Format(time.RFC3339Nano)
	}
	if j.Analysis != nil {
		m["analysis"] = marshalJSON(j.Analysis)
	}
	if len(j.Context) > 0 {
		m["context"] = marshalJSON(j.Context)
	}
	if j.Flag != nil {
		m["flag"] = marshalJSON(j.Flag)
	}
	if j.AssignedAt != nil {
		m["assigned_at"] = j.AssignedAt.Format(time.RFC3339Nano)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}
	creditsCharged, _ := strconv.Atoi(m["credits_charged"]) //nolint:errcheck // best-effort parse from trusted Redis data
	workerEarnings, _ := strconv.Atoi(m["worker_earnings"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:             jID,
		ClientID:       m["client_id"],
		WorkerID:       m["worker_id"],
		Title:          m["title"],
		Description:    m["description"],
		Category:       credit.Category(m["category"]),
		Priority:       credit.Priority(m["priority"]),
		Status:         status.State(m["status"]),
		CreditsCharged: creditsCharged,
		WorkerEarnings: workerEarnings,
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	if v := m["analysis"]; v != "" {
		var a job.Analysis
		if jsonErr := json.Unmarshal([]byte(v), &a); jsonErr == nil {
			j.Analysis = &a
		}
	}
	if v := m["context"]; v != "" {
		var items []job.ContextItem
		if jsonErr := json.Unmarshal([]byte(v), &items); jsonErr == nil {
			j.Context = items
		}
	}
	if v := m["flag"]; v != "" {
		var f job.ConfidenceFlag
		if jsonErr := json.Unmarshal([]byte(v), &f); jsonErr == nil {
			j.Flag = &f
		}
	}
	j.WorkerPaidAt = parseTimePtr(m["worker_paid_at"])
	j.AssignedAt = parseTimePtr(m["assigned_at"])
	j.StartedAt = parseTimePtr(m["started_at"])
	j.CompletedAt = parseTimePtr(m["completed_at"])
	return j, nil
}

// marshalJSON serializes v for hash storage, yielding "" on failure so
// the field is simply omitted.
func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// paginate applies offset/limit windowing to an already-sorted slice.
func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
