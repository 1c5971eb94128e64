// Package governor bounds how many images are inside the fetch, preprocess and
// extract pipeline at the same time.
package governor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor is an admission counter. Waiters are served in arrival order and
// there is no acquisition timeout other than the caller's context.
type Governor struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
}

// New creates a governor admitting at most capacity tasks. Values below one are raised to one.
func New(capacity int) *Governor {
	if capacity < 1 {
		capacity = 1
	}
	return &Governor{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free.
func (g *Governor) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Governor) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Governor) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// Capacity is the maximum number of admitted tasks.
func (g *Governor) Capacity() int {
	return g.capacity
}

// InFlight is the number of tasks currently holding a slot.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}
