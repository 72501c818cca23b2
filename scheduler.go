package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic unit of work. Run is invoked by the scheduler and
// may return an error; the error is logged and counted but never
// propagates further.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler fires an explicit table of jobs, each on its own interval.
//
// Each job runs in its own goroutine as a sequential ticker loop, so a
// firing can never overlap the previous firing of the same job: if a run
// outlasts the interval, the missed ticks are simply dropped. Different
// jobs run concurrently with one another. A panicking or failing job
// firing is contained; it cannot take down the loop or other jobs.
type Scheduler struct {
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	jobs    []Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		metrics: metrics,
	}
}

// Add registers a job. Jobs cannot be added after Start, and names must
// be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all registered job loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}

	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels future firings and waits for in-flight firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, job)
		}
	}
}

// fire runs one job firing with panic containment and metrics.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	start := time.Now()
	failed := false

	defer func() {
		if rec := recover(); rec != nil {
			failed = true
			s.logger.Error("job panicked", "job", job.Name, "panic", rec)
		}
		s.metrics.observeJob(job.Name, time.Since(start), failed)
	}()

	if err := job.Run(ctx); err != nil {
		failed = true
		s.logger.Error("job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("job completed", "job", job.Name, "duration", time.Since(start))
}
