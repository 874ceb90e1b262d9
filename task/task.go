// Package task provides the asynchronous operation substrate of feedkit:
// tasks with observable state, dependencies between them, and a bounded
// scheduler running them once their dependencies have finished.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robertmeta/feedkit/model"
)

// State represents the lifecycle stage of a task
type State int

// Possible task states. A task moves forward only, each transition exactly
// once. Cancellation is a separate flag; a cancelled task still finishes.
const (
	Created State = iota
	Executing
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Executing:
		return "executing"
	default:
		return "finished"
	}
}

// Job is the scheduler's view of a task, independent of its result type.
type Job interface {
	// ID returns the task's unique identifier
	ID() uuid.UUID

	// Name returns a short description for logging
	Name() string

	// Dependencies returns the jobs that must finish before this one starts
	Dependencies() []Job

	// Done is closed once the job has finished
	Done() <-chan struct{}

	// Err returns the error the job finished with
	Err() error

	// State returns the current state
	State() State

	// Cancel cancels the job and its dependencies
	Cancel()

	// Cancelled reports whether Cancel has been called
	Cancelled() bool

	start()
}

// Func is the work of a task. It runs on a scheduler worker; ctx is
// cancelled when the task is.
type Func[T any] func(ctx context.Context) (T, error)

// Task is a unit of asynchronous work producing a result of type T.
type Task[T any] struct {
	id   uuid.UUID
	name string
	fn   Func[T]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	deps      []Job
	state     State
	cancelled bool
	result    T
	err       error
	observers []func(State)
}

// New creates a task running fn once all deps have finished.
func New[T any](name string, fn Func[T], deps ...Job) *Task[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task[T]{
		id:     uuid.New(),
		name:   name,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		deps:   deps,
	}
}

// ID returns the task's unique identifier.
func (t *Task[T]) ID() uuid.UUID { return t.id }

// Name returns the task name.
func (t *Task[T]) Name() string { return t.name }

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Dependencies returns a copy of the task's dependencies.
func (t *Task[T]) Dependencies() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Job(nil), t.deps...)
}

// AddDependency declares that t must wait for j. It panics once t has
// started.
func (t *Task[T]) AddDependency(j Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		panic(fmt.Sprintf("task %s: dependency added after start", t.name))
	}
	t.deps = append(t.deps, j)
}

// Observe registers fn to be called on every state change. Observers run
// outside the task lock, on the goroutine making the transition.
func (t *Task[T]) Observe(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Finally registers fn to be called exactly once with the task's error when
// it finishes.
func (t *Task[T]) Finally(fn func(error)) {
	if fn == nil {
		return
	}
	t.Observe(func(s State) {
		if s == Finished {
			fn(t.Err())
		}
	})
}

// State returns the current state.
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Executing reports whether the task has started.
func (t *Task[T]) Executing() bool {
	return t.State() >= Executing
}

// Finished reports whether the task has finished.
func (t *Task[T]) Finished() bool {
	return t.State() == Finished
}

// Cancelled reports whether the task has been cancelled.
func (t *Task[T]) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel cancels the task, aborting in-flight work through its context,
// and cancels its dependencies. Cancelling a finished task has no effect.
func (t *Task[T]) Cancel() {
	t.mu.Lock()
	if t.state == Finished || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	deps := append([]Job(nil), t.deps...)
	t.mu.Unlock()

	t.cancel()
	for _, d := range deps {
		d.Cancel()
	}
}

// Result returns the result snapshot and error of a finished task.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Finished {
		var zero T
		return zero, fmt.Errorf("task %s: not finished", t.name)
	}
	return t.result, t.err
}

// Err returns the error of a finished task, nil otherwise.
func (t *Task[T]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task has finished or ctx is done. Observers run
// before Done is closed, so a Finally callback may Wait on its own task but
// must not wait on a task depending on it.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	if t.Finished() {
		return t.Result()
	}
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *Task[T]) start() {
	t.transition(Executing)

	var (
		result T
		err    error
	)
	if !t.Cancelled() {
		result, err = t.fn(t.ctx)
	}
	if t.Cancelled() {
		var zero T
		result, err = zero, model.ErrCancelled
	}

	t.mu.Lock()
	t.result = result
	t.err = err
	t.mu.Unlock()

	t.transition(Finished)
}

// transition moves the task to next. Going backwards or repeating a
// transition is a programming error.
func (t *Task[T]) transition(next State) {
	t.mu.Lock()
	if next != t.state+1 {
		prev := t.state
		t.mu.Unlock()
		panic(fmt.Sprintf("task %s: illegal transition %s -> %s", t.name, prev, next))
	}
	t.state = next
	observers := make([]func(State), len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
	if next == Finished {
		t.cancel()
		close(t.done)
	}
}
