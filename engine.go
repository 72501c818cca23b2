package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Deps are the collaborators the engine is wired to. Store and Dialer are
// required; the rest default to no-op implementations.
type Deps struct {
	Store    Store
	Dialer   Dialer
	Notifier Notifier
	Releaser AddressReleaser
	Users    UserDirectory
}

// Engine assembles the reconciler, monitor, task queue and scheduler into
// one runnable unit. The hosting process constructs it at startup, calls
// Run, and cancels the context on shutdown; an in-flight job firing is
// allowed to finish.
type Engine struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	metrics *Metrics

	alerts     *AlertState
	reconciler *Reconciler
	monitor    *Monitor
	tasks      *TaskService
	runner     *TaskRunner
	scheduler  *Scheduler
}

// NewEngine validates the configuration, wires the components and
// registers the job table. It does not start anything.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("Dialer is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(cfg.Logger)
	}
	if deps.Releaser == nil {
		deps.Releaser = NoopReleaser{}
	}
	if deps.Users == nil {
		deps.Users = StaticUserDirectory{}
	}

	metrics := NewMetrics()
	alerts := NewAlertState()

	e := &Engine{
		cfg:     cfg,
		store:   deps.Store,
		logger:  cfg.Logger.With("component", "engine"),
		metrics: metrics,
		alerts:  alerts,

		reconciler: NewReconciler(deps.Store, deps.Dialer, deps.Releaser, cfg.Logger, metrics, cfg.DialTimeout),
		monitor:    NewMonitor(cfg, deps.Store, deps.Dialer, deps.Notifier, deps.Users, alerts, metrics),
		tasks:      NewTaskService(deps.Store, cfg.Logger),
		runner:     NewTaskRunner(deps.Store, deps.Dialer, cfg.Logger, metrics, cfg.DialTimeout),
		scheduler:  NewScheduler(cfg.Logger, metrics),
	}

	jobs := []Job{
		{Name: "availability", Interval: cfg.AvailabilityInterval, Run: e.monitor.CheckEndpoints},
		{Name: "reconcile", Interval: cfg.ReconcileInterval, Run: e.reconciler.Reconcile},
		{Name: "instance-diff", Interval: cfg.InstanceDiffInterval, Run: e.monitor.DiffInstances},
		{Name: "resources", Interval: cfg.ResourceInterval, Run: e.monitor.SweepResources},
		{Name: "task-drain", Interval: cfg.TaskDrainInterval, Run: e.runner.Drain},
		{Name: "cleanup", Interval: cfg.CleanupInterval, Run: e.cleanup},
	}
	for _, job := range jobs {
		if err := e.scheduler.Add(job); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// AddJob registers an extra periodic job before Run is called.
func (e *Engine) AddJob(job Job) error {
	return e.scheduler.Add(job)
}

// Tasks returns the task-queue surface for the API layer.
func (e *Engine) Tasks() *TaskService {
	return e.tasks
}

// Metrics returns the engine metrics, e.g. to mount the handler on an
// existing HTTP server.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Run performs an initial reconciliation cycle, starts the scheduler and
// the optional metrics endpoint, and blocks until ctx is cancelled. It
// always returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	// Warm the cache before the first tick so the panel has data at boot.
	if err := e.reconciler.Reconcile(ctx); err != nil {
		e.logger.Warn("initial sync failed", "error", err)
	}

	if e.cfg.MetricsAddr != "" {
		e.metrics.Serve(e.cfg.MetricsAddr)
		e.logger.Info("metrics endpoint started", "addr", e.cfg.MetricsAddr)
	}

	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started")

	<-ctx.Done()

	e.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.metrics.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("metrics shutdown failed", "error", err)
	}

	e.logger.Info("engine stopped")
	return ctx.Err()
}

// cleanup prunes finished tasks older than the retention window.
// Instance rows are never pruned; soft-deleted rows stay for audit.
func (e *Engine) cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.TaskRetention)
	pruned, err := e.store.PruneFinishedTasks(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune finished tasks: %w", err)
	}
	if pruned > 0 {
		e.logger.Info("pruned finished tasks", "count", pruned)
	}
	return nil
}
