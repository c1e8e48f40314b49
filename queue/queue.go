// Package queue defines per-queue configuration (concurrency ceilings,
// token-bucket rate limits, retry budgets, retention) and the runtime
// Manager that enforces admission before a claimed task may execute.
//
// Queues do not share capacity: a backlog on one queue cannot starve
// another. The Manager is safe for concurrent use.
package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Well-known queue names for the marketplace pipeline.
const (
	JobAnalysis   = "job-analysis"
	AutoAssign    = "auto-assign"
	Notifications = "notifications"
	WebhookEvents = "webhook-events"
)

// Config defines one named queue's behaviour.
type Config struct {
	// Name is the queue identifier (must match task.Task.Queue).
	Name string

	// MaxConcurrency limits how many tasks from this queue may run
	// simultaneously. This is also the worker goroutine count of the
	// queue's pool.
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second that may
	// begin executing. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxAttempts is the retry budget before a task is dead-lettered.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// CompletedRetention is how many completed tasks to keep per queue
	// for auditing. Older completed tasks are trimmed on ack.
	CompletedRetention int
}

// Defaults returns the standard configuration for the four marketplace
// queues.
func Defaults() []Config {
	return []Config{
		{Name: JobAnalysis, MaxConcurrency: 5, RateLimit: 10, RateBurst: 10, MaxAttempts: 3, BackoffBase: time.Second, CompletedRetention: 100},
		{Name: AutoAssign, MaxConcurrency: 3, RateLimit: 5, RateBurst: 5, MaxAttempts: 3, BackoffBase: time.Second, CompletedRetention: 100},
		{Name: Notifications, MaxConcurrency: 10, RateLimit: 20, RateBurst: 20, MaxAttempts: 3, BackoffBase: time.Second, CompletedRetention: 200},
		{Name: WebhookEvents, MaxConcurrency: 5, RateLimit: 10, RateBurst: 10, MaxAttempts: 3, BackoffBase: time.Second, CompletedRetention: 100},
	}
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-queue rate limiting and concurrency. The worker
// pool calls Acquire before claiming a task and finishes the returned
// Admission when done — both the rate limiter and the concurrency
// ceiling must admit the task before it starts.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues: make(map[string]*queueState, len(configs)),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Admission is a granted admission slot. Exactly one of Release or
// Cancel must be called: Release when the admitted task ran (the rate
// token stays spent), Cancel when nothing was claimed (the token is
// refunded so an idle poll cannot starve real work).
type Admission struct {
	m     *Manager
	queue string
	res   *rate.Reservation
	done  bool
}

// Release frees the concurrency slot after the task finishes.
func (a *Admission) Release() {
	if a == nil || a.done {
		return
	}
	a.done = true
	a.m.Release(a.queue)
}

// Cancel frees the concurrency slot and returns the rate token.
func (a *Admission) Cancel() {
	if a == nil || a.done {
		return
	}
	a.done = true
	if a.res != nil {
		a.res.Cancel()
	}
	a.m.Release(a.queue)
}

// Acquire checks the concurrency ceiling and then the rate limit for
// the given queue. The ceiling is checked first so a rejected task
// never consumes a rate token. On success the active counter is
// incremented and the caller MUST finish the Admission with Release
// or Cancel.
func (m *Manager) Acquire(queue string) (*Admission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return &Admission{m: m, queue: queue}, true
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return nil, false
	}

	adm := &Admission{m: m, queue: queue}
	if qs.limiter != nil {
		res := qs.limiter.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			return nil, false
		}
		adm.res = res
	}
	qs.active++
	return adm, true
}

// Release decrements the active task count for the queue.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// Lookup returns the configuration for a queue, if registered.
func (m *Manager) Lookup(queue string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.config, true
	}
	return Config{}, false
}

// SetConfig dynamically updates (or creates) a queue configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.queues[cfg.Name]
	qs := newQueueState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the current number of active tasks for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
