package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TaskService is the task-queue surface exposed to the panel's API layer:
// creating, querying and cancelling bulk tasks. Execution is the
// TaskRunner's job.
type TaskService struct {
	store  Store
	logger *slog.Logger

	now func() time.Time
}

// NewTaskService creates a task service.
func NewTaskService(store Store, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		store:  store,
		logger: logger.With("component", "tasks"),
		now:    time.Now,
	}
}

// Create enqueues a new bulk task. The task is always created pending
// with zero counters; unknown types and empty item lists are rejected.
func (s *TaskService) Create(ctx context.Context, typ TaskType, owner int64, items []TaskItem) (Task, error) {
	if !typ.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, typ)
	}
	if len(items) == 0 {
		return Task{}, ErrNoItems
	}

	t := Task{
		ID:         uuid.NewString(),
		Type:       typ,
		Status:     TaskPending,
		Owner:      owner,
		Items:      append([]TaskItem(nil), items...),
		Results:    []TaskItemResult{},
		TotalItems: len(items),
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateTask(ctx, &t); err != nil {
		return Task{}, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("task created", "task", t.ID, "type", typ, "items", len(items), "owner", owner)
	return t, nil
}

// Get returns one task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListForOwner returns the owner's tasks, newest first.
func (s *TaskService) ListForOwner(ctx context.Context, owner int64, limit int) ([]Task, error) {
	return s.store.ListTasks(ctx, TaskFilter{Owner: &owner, Limit: limit})
}

// Cancel cancels a pending task. Only the owner may cancel, and only
// while the task is still pending; a running task always runs to
// completion.
func (s *TaskService) Cancel(ctx context.Context, id string, owner int64) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Owner != owner {
		return ErrNotTaskOwner
	}
	if t.Status != TaskPending {
		return ErrTaskNotPending
	}

	now := s.now()
	t.Status = TaskCancelled
	t.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	s.logger.Info("task cancelled", "task", id, "owner", owner)
	return nil
}

// TaskRunner drains the task queue with strict single-flight ordering: at
// most one task is ever running, tasks run strictly FIFO, and a drain
// tick blocks until the claimed task has fully finished.
type TaskRunner struct {
	store   Store
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics

	dialTimeout time.Duration
	now         func() time.Time
}

// NewTaskRunner creates a task runner.
func NewTaskRunner(store Store, dialer Dialer, logger *slog.Logger, metrics *Metrics, dialTimeout time.Duration) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &TaskRunner{
		store:       store,
		dialer:      dialer,
		logger:      logger.With("component", "taskrunner"),
		metrics:     metrics,
		dialTimeout: dialTimeout,
		now:         time.Now,
	}
}

// Drain claims and fully executes the oldest pending task, if any. When a
// task is already running the tick is a no-op. Per-item failures are
// recorded in the task's results and never abort it; only a failure of
// the queue machinery itself marks the task failed, preserving any
// results already recorded.
func (r *TaskRunner) Drain(ctx context.Context) error {
	task, err := r.store.ClaimOldestPending(ctx, r.now())
	if err != nil {
		return fmt.Errorf("failed to claim pending task: %w", err)
	}
	if task == nil {
		return nil
	}

	r.logger.Info("task started", "task", task.ID, "type", task.Type, "items", task.TotalItems)
	r.run(ctx, task)
	return nil
}

func (r *TaskRunner) run(ctx context.Context, task *Task) {
	handles := make(map[int64]Hypervisor)
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.abort(ctx, task, fmt.Sprintf("panic: %v", rec))
		}
	}()

	for _, item := range task.Items {
		ok, msg := r.executeItem(ctx, task.Type, item, handles)

		task.Results = append(task.Results, TaskItemResult{
			EndpointID: item.EndpointID,
			InstanceID: item.InstanceID,
			Name:       item.Name,
			Success:    ok,
			Message:    msg,
		})
		if ok {
			task.CompletedItems++
		} else {
			task.FailedItems++
		}
		r.metrics.addTaskItem(ok)

		// Persist after every item so observers see live progress.
		if err := r.store.UpdateTask(ctx, *task); err != nil {
			r.abort(ctx, task, fmt.Sprintf("failed to persist progress: %v", err))
			return
		}
	}

	now := r.now()
	task.Status = TaskCompleted
	task.CompletedAt = &now
	if err := r.store.UpdateTask(ctx, *task); err != nil {
		r.logger.Error("failed to persist task completion", "task", task.ID, "error", err)
		return
	}
	r.metrics.addTaskFinished(TaskCompleted)

	r.logger.Info("task completed",
		"task", task.ID, "succeeded", task.CompletedItems, "failed", task.FailedItems)
}

// abort marks a task failed after an error outside the per-item loop,
// keeping whatever results were already recorded.
func (r *TaskRunner) abort(ctx context.Context, task *Task, msg string) {
	r.logger.Error("task aborted", "task", task.ID, "error", msg)

	now := r.now()
	task.Status = TaskFailed
	task.Error = msg
	task.CompletedAt = &now
	if err := r.store.UpdateTask(ctx, *task); err != nil {
		r.logger.Error("failed to persist task failure", "task", task.ID, "error", err)
	}
	r.metrics.addTaskFinished(TaskFailed)
}

// executeItem resolves the item's endpoint and applies the mapped control
// action. All failures are reported as (false, reason); nothing escapes.
func (r *TaskRunner) executeItem(ctx context.Context, typ TaskType, item TaskItem, handles map[int64]Hypervisor) (bool, string) {
	h, ok := handles[item.EndpointID]
	if !ok {
		ep, err := r.findEndpoint(ctx, item.EndpointID)
		if err != nil {
			return false, err.Error()
		}

		dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
		h, err = r.dialer.Dial(dialCtx, ep)
		cancel()
		if err != nil {
			return false, fmt.Sprintf("failed to connect to endpoint %d: %v", item.EndpointID, err)
		}
		handles[item.EndpointID] = h
	}

	var err error
	switch typ {
	case TaskStart:
		err = h.Start(ctx, item.Node, item.InstanceID, item.Kind)
	case TaskStop:
		err = h.Stop(ctx, item.Node, item.InstanceID, item.Kind)
	case TaskShutdown:
		err = h.Shutdown(ctx, item.Node, item.InstanceID, item.Kind)
	case TaskRestart:
		err = h.Restart(ctx, item.Node, item.InstanceID, item.Kind)
	case TaskDelete:
		err = h.Delete(ctx, item.Node, item.InstanceID, item.Kind)
	default:
		return false, fmt.Sprintf("unknown task type: %s", typ)
	}
	if err != nil {
		return false, err.Error()
	}
	return true, "OK"
}

func (r *TaskRunner) findEndpoint(ctx context.Context, id int64) (Endpoint, error) {
	endpoints, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to list endpoints: %w", err)
	}
	for _, ep := range endpoints {
		if ep.ID == id {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: %d", ErrEndpointNotFound, id)
}
