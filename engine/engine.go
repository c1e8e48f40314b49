package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigwork/conveyor"
	"github.com/gigwork/conveyor/backoff"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/hook"
	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/job"
	mw "github.com/gigwork/conveyor/middleware"
	"github.com/gigwork/conveyor/notify"
	"github.com/gigwork/conveyor/pipeline"
	"github.com/gigwork/conveyor/queue"
	"github.com/gigwork/conveyor/store"
	"github.com/gigwork/conveyor/task"
	"github.com/gigwork/conveyor/worker"
)

// Collaborators are the side-effecting integrations the pipeline
// processors call out to. Analyzer, Directory, Addresses, Deliverer,
// and Webhooks are required; Retriever and Selector have defaults
// (empty context, least-loaded selection).
type Collaborators struct {
	Analyzer  pipeline.Analyzer
	Retriever pipeline.ContextRetriever
	Directory pipeline.Directory
	Selector  pipeline.Selector
	Addresses pipeline.AddressBook
	Deliverer notify.Deliverer
	Webhooks  pipeline.WebhookSink
}

// noopRetriever satisfies ContextRetriever when no similarity search
// is configured.
type noopRetriever struct{}

func (noopRetriever) Retrieve(context.Context, string, string, int) ([]job.ContextItem, error) {
	return nil, nil
}

// Engine is the assembled orchestration runtime: one worker pool per
// named queue, the processor pipeline, and the job lifecycle service.
// Use Build() to create one.
type Engine struct {
	cfg       conveyor.Config
	store     store.Store
	hooks     *hook.Registry
	registry  *task.Registry
	templates *notify.Registry

	jobService *job.Service
	dlqService *dlq.Service

	queueConfigs []queue.Config
	queueManager *queue.Manager

	bo     backoff.Strategy
	mws    []mw.Middleware
	pools  []*worker.Pool
	logger *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) { eng.hooks.Register(h) }
}

// WithMiddleware adds middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig replaces the default queue configurations. Each
// config gets its own worker pool.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = configs }
}

// WithTemplate adds or replaces a notification template for an event
// type.
func WithTemplate(eventType string, t notify.Template) Option {
	return func(eng *Engine) { eng.templates.Register(eventType, t) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine over the given store and collaborators.
func Build(cfg conveyor.Config, s store.Store, collab Collaborators, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, conveyor.ErrNoStore
	}
	switch {
	case collab.Analyzer == nil:
		return nil, fmt.Errorf("conveyor: analyzer collaborator is required")
	case collab.Directory == nil:
		return nil, fmt.Errorf("conveyor: worker directory collaborator is required")
	case collab.Addresses == nil:
		return nil, fmt.Errorf("conveyor: address book collaborator is required")
	case collab.Deliverer == nil:
		return nil, fmt.Errorf("conveyor: notification deliverer is required")
	case collab.Webhooks == nil:
		return nil, fmt.Errorf("conveyor: webhook sink is required")
	}
	if collab.Retriever == nil {
		collab.Retriever = noopRetriever{}
	}
	if collab.Selector == nil {
		collab.Selector = pipeline.LeastLoadedSelector{}
	}

	eng := &Engine{
		cfg:          cfg,
		store:        s,
		registry:     task.NewRegistry(),
		templates:    notify.NewRegistry(),
		queueConfigs: queue.Defaults(),
		logger:       slog.Default(),
	}
	eng.hooks = hook.NewRegistry(eng.logger)

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.queueManager = queue.NewManager(eng.queueConfigs...)
	eng.dlqService = dlq.NewService(s, s)
	eng.jobService = job.NewService(s, eng, eng.hooks, eng.logger)

	// Register the four pipeline processors.
	task.RegisterDefinition(eng.registry, pipeline.NewAnalysisProcessor(
		s, collab.Analyzer, collab.Retriever, eng, eng.logger))
	task.RegisterDefinition(eng.registry, pipeline.NewAssignProcessor(
		eng.jobService, collab.Directory, collab.Selector, eng.logger))
	task.RegisterDefinition(eng.registry, pipeline.NewNotificationProcessor(
		eng.templates, collab.Addresses, collab.Deliverer, eng.logger))
	task.RegisterDefinition(eng.registry, pipeline.NewWebhookProcessor(
		collab.Webhooks, eng.logger))

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/gigwork/conveyor"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/gigwork/conveyor"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging
	// → attribution → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Attribution(),
		mw.Timeout(eng.logger, cfg.StallThreshold),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.registry, eng.hooks, s, eng.dlqService, eng.queueManager, eng.bo, eng.logger,
		allMws...,
	)

	// One pool per queue: the pool's goroutine count is the queue's
	// concurrency ceiling.
	for _, qcfg := range eng.queueConfigs {
		pool := worker.NewPool(s, executor, eng.hooks, eng.queueManager, qcfg, eng.logger,
			worker.WithPollInterval(cfg.PollInterval),
			worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
			worker.WithStallThreshold(cfg.StallThreshold),
		)
		eng.pools = append(eng.pools, pool)
	}

	return eng, nil
}

// Enqueue marshals the payload and appends a pending task to the named
// queue. MaxAttempts and backoff come from the queue's configuration.
// Enqueue implements job.Enqueuer.
func (eng *Engine) Enqueue(ctx context.Context, queueName string, payload any, priority int) (*task.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for queue %q: %w", queueName, err)
	}

	maxAttempts := 3
	if qcfg, ok := eng.queueManager.Lookup(queueName); ok && qcfg.MaxAttempts > 0 {
		maxAttempts = qcfg.MaxAttempts
	}

	t := &task.Task{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewTaskID(),
		Queue:       queueName,
		Payload:     data,
		State:       task.StatePending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		RunAt:       time.Now().UTC(),
	}

	if err := eng.store.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}

	eng.hooks.EmitTaskEnqueued(ctx, t)
	return t, nil
}

// Start verifies the store connection and launches every queue's
// worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}

	for _, p := range eng.pools {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start pool for queue %q: %w", p.Queue(), err)
		}
	}

	eng.logger.Info("engine started", slog.Int("pools", len(eng.pools)))
	return nil
}

// Stop gracefully shuts down all worker pools, bounded by the
// configured shutdown timeout.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	var firstErr error
	for _, p := range eng.pools {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	eng.hooks.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return firstErr
}

// Jobs returns the job lifecycle service.
func (eng *Engine) Jobs() *job.Service { return eng.jobService }

// DLQ returns the engine's DLQ service for inspection and remediation.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Hooks returns the lifecycle hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Registry returns the task processor registry.
func (eng *Engine) Registry() *task.Registry { return eng.registry }

// Templates returns the notification template registry.
func (eng *Engine) Templates() *notify.Registry { return eng.templates }

// QueueManager returns the per-queue admission manager.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Store returns the underlying composite store.
func (eng *Engine) Store() store.Store { return eng.store }
