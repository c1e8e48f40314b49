package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gigwork/conveyor/hook"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/task"
)

// Pool manages a set of concurrent worker goroutines that claim tasks
// from a single queue and execute them through the Executor. Admission
// (rate limit + concurrency cap) is enforced by the queue manager
// before each claim.
type Pool struct {
	store    task.Store
	executor *Executor
	hooks    *hook.Registry
	manager  *queue.Manager
	cfg      queue.Config
	workerID id.WorkerID
	logger   *slog.Logger

	pollInterval time.Duration

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	stallThreshold    time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how often workers poll for new tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool refreshes leases for
// active tasks. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStallThreshold sets the threshold after which running tasks
// without a heartbeat are considered stalled and reaped. A zero value
// disables stall reaping.
func WithStallThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.stallThreshold = d }
}

// NewPool creates a worker pool for one queue. The pool runs
// cfg.MaxConcurrency claim goroutines; the manager enforces the
// queue's rate limit on top of that.
func NewPool(
	store task.Store,
	executor *Executor,
	hooks *hook.Registry,
	manager *queue.Manager,
	cfg queue.Config,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		hooks:        hooks,
		manager:      manager,
		cfg:          cfg,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		pollInterval: time.Second,
		stopCh:       make(chan struct{}),
		activeTasks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Queue returns the name of the queue this pool serves.
func (p *Pool) Queue() string { return p.cfg.Name }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.cfg.Name),
		slog.Int("concurrency", p.cfg.MaxConcurrency),
	)

	for range p.cfg.MaxConcurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.stallThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active tasks are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.cfg.Name),
	)

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("queue", p.cfg.Name))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks",
			slog.String("queue", p.cfg.Name),
		)
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// Admission: the manager enforces the queue's rate limit and
		// concurrency cap before we touch the store.
		var adm *queue.Admission
		if p.manager != nil {
			var ok bool
			if adm, ok = p.manager.Acquire(p.cfg.Name); !ok {
				p.sleep()
				continue
			}
		}

		tasks, err := p.store.ClaimTasks(context.Background(), p.cfg.Name, p.workerID, 1)
		if err != nil {
			// Nothing ran; give the rate token back.
			adm.Cancel()
			p.logger.Error("claim error",
				slog.String("queue", p.cfg.Name),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			adm.Cancel()
			p.sleep()
			continue
		}

		t := tasks[0]

		p.hooks.EmitTaskStarted(context.Background(), t)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackTask(t.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, t); execErr != nil {
			p.logger.Debug("task execution failed",
				slog.String("task_id", t.ID.String()),
				slog.String("queue", t.Queue),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackTask(t.ID.String())
		cancel()
		adm.Release()
	}
}

// heartbeatLoop periodically refreshes the lease on all active tasks.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	taskIDs := make([]string, 0, len(p.activeTasks))
	for taskID := range p.activeTasks {
		taskIDs = append(taskIDs, taskID)
	}
	p.activeMu.Unlock()

	for _, taskIDStr := range taskIDs {
		parsedID, parseErr := id.ParseTaskID(taskIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid task id", slog.String("task_id", taskIDStr))
			continue
		}
		if err := p.store.HeartbeatTask(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("task_id", taskIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically resolves stalled tasks whose heartbeat expired.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.stallThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStalledTasks()
		}
	}
}

func (p *Pool) reapStalledTasks() {
	stalled, err := p.store.StalledTasks(context.Background(), p.stallThreshold)
	if err != nil {
		p.logger.Error("stalled task scan error",
			slog.String("queue", p.cfg.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, t := range stalled {
		// Each pool reaps only its own queue.
		if t.Queue != p.cfg.Name {
			continue
		}

		if stallErr := p.executor.HandleStall(context.Background(), t); stallErr != nil {
			p.logger.Debug("stalled task resolution",
				slog.String("task_id", t.ID.String()),
				slog.String("error", stallErr.Error()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
