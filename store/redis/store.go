package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/task"
)

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ task.Store   = (*Store)(nil)
	_ credit.Store = (*Store)(nil)
	_ dlq.Store    = (*Store)(nil)
)

// Client is the subset of the go-redis API the store needs. Both
// *redis.Client and *redis.ClusterClient satisfy it; Watch is required
// for the optimistic debit and transition transactions.
type Client interface {
	redis.Cmdable
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client Client
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client Client, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() Client { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
