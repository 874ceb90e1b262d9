package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Common errors returned by the Scheduler
var (
	ErrCycle   = errors.New("dependency cycle")
	ErrStopped = errors.New("scheduler is stopped")
)

// SchedulerConfig holds configuration options for the scheduler
type SchedulerConfig struct {
	// WorkerCount determines how many tasks run concurrently
	// If zero or negative, defaults to 1
	WorkerCount int

	// QueueSize is the buffer of tasks ready to run
	QueueSize int
}

// DefaultSchedulerConfig returns a SchedulerConfig with reasonable defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WorkerCount: 4,
		QueueSize:   64,
	}
}

// Scheduler runs tasks on a bounded pool of workers. A task is handed to
// the workers only after all of its dependencies have finished.
type Scheduler struct {
	ready       chan Job
	workerCount int

	ctx    context.Context
	cancel context.CancelFunc

	// workers tracks worker goroutines, waiters tracks tasks still
	// waiting on their dependencies
	workers sync.WaitGroup
	waiters sync.WaitGroup

	mu      sync.Mutex
	added   map[uuid.UUID]bool
	stopped bool

	logger *slog.Logger
}

// NewScheduler creates a scheduler and starts its workers.
func NewScheduler(config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}
	queueSize := config.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ready:       make(chan Job, queueSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		added:       make(map[uuid.UUID]bool),
		logger:      logger,
	}
	for i := 0; i < workerCount; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	return s
}

// Add schedules jobs together with their not yet scheduled dependencies.
// Dependencies must form a DAG; a cycle is rejected with ErrCycle before
// anything is scheduled.
func (s *Scheduler) Add(jobs ...Job) error {
	if err := checkCycles(jobs); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		var rejected []Job
		for _, j := range jobs {
			rejected = s.claim(j, rejected)
		}
		s.mu.Unlock()
		s.discard(rejected)
		return ErrStopped
	}
	defer s.mu.Unlock()

	var walk func(j Job)
	walk = func(j Job) {
		if s.added[j.ID()] || j.State() != Created {
			return
		}
		s.added[j.ID()] = true
		for _, d := range j.Dependencies() {
			walk(d)
		}
		s.waiters.Add(1)
		go s.await(j)
	}
	for _, j := range jobs {
		walk(j)
	}
	return nil
}

// Stop cancels tasks that have not started yet, waits for running tasks,
// and shuts the workers down. Tasks added after Stop are rejected and
// finish as cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.waiters.Wait()
	close(s.ready)
	s.workers.Wait()
}

// await waits for the dependencies of j, then hands it to the workers.
func (s *Scheduler) await(j Job) {
	defer s.waiters.Done()

	for _, d := range j.Dependencies() {
		select {
		case <-d.Done():
		case <-s.ctx.Done():
			s.abandon(j)
			return
		}
	}

	select {
	case s.ready <- j:
	case <-s.ctx.Done():
		s.abandon(j)
	}
}

// abandon finishes j without running its work so that nobody waits on it
// forever.
func (s *Scheduler) abandon(j Job) {
	s.logger.Debug("abandoning task", "task_id", j.ID(), "task_name", j.Name())
	j.Cancel()
	j.start()
	s.forget(j)
}

// claim collects j and its dependencies that nobody else will start,
// dependencies first. Callers hold s.mu.
func (s *Scheduler) claim(j Job, claimed []Job) []Job {
	if s.added[j.ID()] || j.State() != Created {
		return claimed
	}
	s.added[j.ID()] = true
	for _, d := range j.Dependencies() {
		claimed = s.claim(d, claimed)
	}
	return append(claimed, j)
}

// discard finishes claimed jobs as cancelled without running them.
func (s *Scheduler) discard(jobs []Job) {
	for _, j := range jobs {
		j.Cancel()
	}
	for _, j := range jobs {
		j.start()
		s.forget(j)
	}
}

func (s *Scheduler) forget(j Job) {
	s.mu.Lock()
	delete(s.added, j.ID())
	s.mu.Unlock()
}

// worker runs tasks from the ready queue
func (s *Scheduler) worker(id int) {
	defer s.workers.Done()

	s.logger.Debug("starting worker", "worker_id", id)
	for j := range s.ready {
		s.run(j, id)
	}
	s.logger.Debug("stopping worker", "worker_id", id)
}

func (s *Scheduler) run(j Job, workerID int) {
	logger := s.logger.With(
		"task_id", j.ID(),
		"task_name", j.Name(),
		"worker_id", workerID,
	)
	logger.Debug("running task")

	j.start()
	s.forget(j)

	if err := j.Err(); err != nil {
		logger.Debug("task finished with error", "error", err)
	} else {
		logger.Debug("task finished")
	}
}

// checkCycles walks the graphs rooted at jobs and reports the first cycle.
func checkCycles(jobs []Job) error {
	const (
		visiting = 1
		visited  = 2
	)
	marks := make(map[uuid.UUID]int)

	var visit func(j Job) error
	visit = func(j Job) error {
		switch marks[j.ID()] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, j.Name())
		case visited:
			return nil
		}
		marks[j.ID()] = visiting
		for _, d := range j.Dependencies() {
			if err := visit(d); err != nil {
				return err
			}
		}
		marks[j.ID()] = visited
		return nil
	}

	for _, j := range jobs {
		if err := visit(j); err != nil {
			return err
		}
	}
	return nil
}
