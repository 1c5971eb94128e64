// Package workerpool runs CPU-bound steps on a fixed number of goroutines,
// independent of how many images the governor admits.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/gammazero/workerpool"
)

// PanicError carries a panic recovered from a submitted function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Pool is a fixed-size pool of workers.
type Pool struct {
	wp   *workerpool.WorkerPool
	size int
}

// New creates a pool with size workers; size <= 0 uses the logical core count.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{wp: workerpool.New(size), size: size}
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// WaitingQueueSize is the number of submitted functions not yet started.
func (p *Pool) WaitingQueueSize() int {
	return p.wp.WaitingQueueSize()
}

// Stop waits for queued work and stops the workers. The pool cannot be reused.
func (p *Pool) Stop() {
	p.wp.StopWait()
}

type outcome[T any] struct {
	value T
	err   error
}

// Run executes fn on the pool and waits for its result. A panic in fn is
// returned as *PanicError. If ctx ends first Run returns ctx.Err() and the
// function still runs to completion on its worker.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	done := make(chan outcome[T], 1)
	p.wp.Submit(func() {
		var out outcome[T]
		defer func() {
			if r := recover(); r != nil {
				out = outcome[T]{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
			done <- out
		}()
		out.value, out.err = fn()
	})

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
