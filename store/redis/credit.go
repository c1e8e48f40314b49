package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/credit"
)

// GetBalance retrieves a client's balance.
func (s *Store) GetBalance(ctx context.Context, clientID string) (*credit.Balance, error) {
	vals, err := s.client.HGetAll(ctx, balanceKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get balance: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrBalanceNotFound
	}
	return mapToBalance(vals), nil
}

// PutBalance creates or replaces a client's balance.
func (s *Store) PutBalance(ctx context.Context, b *credit.Balance) error {
	if err := s.client.HSet(ctx, balanceKey(b.ClientID), balanceToMap(b)).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: put balance: %w", err)
	}
	return nil
}

// AddCredits tops up a client's balance. HIncrBy is atomic per field
// and creates the hash on first use, so no transaction is needed.
func (s *Store) AddCredits(ctx context.Context, clientID string, standard, rollover int) error {
	key := balanceKey(clientID)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "client_id", clientID)
	pipe.HIncrBy(ctx, key, "standard_credits", int64(standard))
	pipe.HIncrBy(ctx, key, "rollover_credits", int64(rollover))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: add credits: %w", err)
	}
	return nil
}

// ── helpers ──

func balanceToMap(b *credit.Balance) map[string]interface{} {
	return map[string]interface{}{
		"client_id":        b.ClientID,
		"standard_credits": strconv.Itoa(b.StandardCredits),
		"rollover_credits": strconv.Itoa(b.RolloverCredits),
		"jobs_created":     strconv.Itoa(b.JobsCreated),
		"total_spent":      strconv.Itoa(b.TotalSpent),
	}
}

func mapToBalance(m map[string]string) *credit.Balance {
	standard, _ := strconv.Atoi(m["standard_credits"]) //nolint:errcheck // best-effort parse from trusted Redis data
	rollover, _ := strconv.Atoi(m["rollover_credits"]) //nolint:errcheck // best-effort parse from trusted Redis data
	created, _ := strconv.Atoi(m["jobs_created"])      //nolint:errcheck // best-effort parse from trusted Redis data
	spent, _ := strconv.Atoi(m["total_spent"])         //nolint:errcheck // best-effort parse from trusted Redis data

	return &credit.Balance{
		ClientID:        m["client_id"],
		StandardCredits: standard,
		RolloverCredits: rollover,
		JobsCreated:     created,
		TotalSpent:      spent,
	}
}
