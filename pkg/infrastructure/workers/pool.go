package workers

import (
	"context"
	"sync"
)

// Pool runs independent tasks with bounded parallelism. Tasks are
// side-effect isolated; one task's failure never cancels its siblings.
type Pool struct {
	workers int
}

// NewPool creates a pool that runs at most workers tasks concurrently
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Task is a unit of work executed by the pool
type Task func(ctx context.Context) error

// Run executes all tasks and returns a per-task error slice in submission
// order. A cancelled context marks the remaining tasks with ctx.Err()
// without starting them.
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	sem := make(chan struct{}, p.workers)

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(index int, t Task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[index] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				errs[index] = ctx.Err()
				return
			default:
			}

			errs[index] = t(ctx)
		}(i, task)
	}
	wg.Wait()

	return errs
}

// FirstError returns the first non-nil error from a Run result, or nil
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
