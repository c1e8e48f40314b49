package conveyor

import "time"

// Config holds engine-wide runtime configuration. Per-queue settings
// (concurrency, rate limits, retries, retention) live in queue.Config.
type Config struct {
	// PollInterval is how often idle workers poll for new tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running tasks send heartbeats.
	HeartbeatInterval time.Duration

	// StallThreshold is how long a claimed task may go without a
	// heartbeat before it is considered stalled and made re-claimable.
	// This is also the effective per-task runtime ceiling.
	StallThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      250 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StallThreshold:    30 * time.Second,
	}
}
