// Package redis implements store.Store using Redis for shared,
// multi-process deployments. Tasks use Sorted Sets as per-queue
// priority queues, and all entities are stored as Redis Hashes.
//
// The two atomic job-store operations, CreateJobWithDebit and
// ApplyTransition, use WATCH-based optimistic transactions so that
// concurrent debits against the same balance (or concurrent
// transitions on the same job) serialize instead of racing.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
