package task

import (
	"context"

	"github.com/robertmeta/feedkit/model"
)

// Result types shared between orchestrators
type (
	FeedSet  = []model.Feed
	EntrySet = []model.Entry
	Locators = []model.EntryLocator
)

// Provider is a job exposing a typed result once finished.
type Provider[T any] interface {
	Job
	Result() (T, error)
}

// First returns the result of the first provider that finished without
// error. If every provider failed, their errors are combined. Without any
// provider, or without any finished one, a MissingResultError naming
// capability is returned.
func First[T any](capability string, providers ...Provider[T]) (T, error) {
	var errs []error
	for _, p := range providers {
		if p == nil || !isDone(p) {
			continue
		}
		v, err := p.Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return v, nil
	}

	var zero T
	if len(errs) > 0 {
		return zero, model.Combine(errs...)
	}
	return zero, &model.MissingResultError{Capability: capability}
}

// Union merges the slices provided by all finished providers. Errors of
// failed providers are combined and returned next to whatever the others
// provided.
func Union[T any](providers ...Provider[[]T]) ([]T, error) {
	var (
		out  []T
		errs []error
	)
	for _, p := range providers {
		if p == nil || !isDone(p) {
			continue
		}
		v, err := p.Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v...)
	}
	return out, model.Combine(errs...)
}

// DependencyError combines the errors of the finished dependencies.
func DependencyError(deps ...Job) error {
	var errs []error
	for _, d := range deps {
		if d == nil || !isDone(d) {
			continue
		}
		errs = append(errs, d.Err())
	}
	return model.Combine(errs...)
}

func isDone(j Job) bool {
	select {
	case <-j.Done():
		return true
	default:
		return false
	}
}

// Reach returns a task providing the reachability of host.
func Reach(p model.Prober, host string) *Task[model.Reachability] {
	return New("reachability "+host, func(ctx context.Context) (model.Reachability, error) {
		return p.Reachability(host), nil
	})
}

// Value returns an already runnable task providing v, useful to feed
// explicit values into a graph.
func Value[T any](name string, v T) *Task[T] {
	return New(name, func(ctx context.Context) (T, error) {
		return v, nil
	})
}
