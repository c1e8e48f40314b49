package credit

import "context"

// Balance is a client's credit position. Both fields are non-negative;
// a debit never drives either below zero.
type Balance struct {
	ClientID        string `json:"client_id"`
	StandardCredits int    `json:"standard_credits"`
	RolloverCredits int    `json:"rollover_credits"`

	// Usage counters bumped atomically with each debit.
	JobsCreated int `json:"jobs_created"`
	TotalSpent  int `json:"total_spent"`
}

// Available returns the total spendable credits.
func (b *Balance) Available() int {
	return b.StandardCredits + b.RolloverCredits
}

// Store defines the persistence contract for credit balances. The
// debit-and-create-job operation lives on job.Store because it spans
// both entities; this interface covers balance reads and top-ups.
type Store interface {
	// GetBalance retrieves a client's balance. Returns
	// conveyor.ErrBalanceNotFound for unknown clients.
	GetBalance(ctx context.Context, clientID string) (*Balance, error)

	// PutBalance creates or replaces a client's balance.
	PutBalance(ctx context.Context, b *Balance) error

	// AddCredits tops up a client's balance atomically.
	AddCredits(ctx context.Context, clientID string, standard, rollover int) error
}
