// Package limiter runs independent units of work with bounded parallelism.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Unit is one independent piece of work.
type Unit[T any] func(ctx context.Context) (T, error)

// Result is the outcome of the unit at the same index.
type Result[T any] struct {
	Value T
	Err   error
}

// Options control scheduling.
type Options struct {
	// Concurrency is the maximum number of units in flight. Values below 1 mean 1.
	Concurrency int
	// Delay is waited before starting each unit that had to queue for a slot.
	Delay time.Duration
}

// Run executes units and returns their results in input order.
// Run blocks until every started unit has returned. Units not yet started
// when ctx is cancelled are recorded with ctx.Err().
func Run[T any](ctx context.Context, units []Unit[T], opts Options) []Result[T] {
	results := make([]Result[T], len(units))
	if len(units) == 0 {
		return results
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	for i, unit := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			markRemaining(results, i, err)
			break
		}
		// Units beyond the first batch waited for a finish; pace them.
		if i >= limit && opts.Delay > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				sem.Release(1)
				markRemaining(results, i, err)
				break
			}
		}

		wg.Add(1)
		go func(i int, unit Unit[T]) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = call(ctx, unit)
		}(i, unit)
	}
	wg.Wait()
	return results
}

func call[T any](ctx context.Context, unit Unit[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: fmt.Errorf("unit panicked: %v", r)}
		}
	}()
	v, err := unit(ctx)
	return Result[T]{Value: v, Err: err}
}

func markRemaining[T any](results []Result[T], from int, err error) {
	for j := from; j < len(results); j++ {
		results[j].Err = err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
