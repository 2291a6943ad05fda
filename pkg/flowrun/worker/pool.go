// Package worker provides a bounded pool for blocking work.
//
// The engine hands blocking tool invocations to a Pool so a burst of slow
// tools across many runs cannot occupy unbounded goroutines and file
// descriptors at once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the pool size used when a non-positive size is given.
const DefaultSize = 8

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// PanicError is returned by Do when the work function panics.
type PanicError struct {
	Value any
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Pool bounds the number of concurrently running work functions.
// It is safe for concurrent use.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	active atomic.Int64

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool that runs at most size functions at once.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the pool's concurrency limit.
func (p *Pool) Size() int { return int(p.size) }

// Active returns the number of functions currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Do waits for a free slot, runs fn and returns its error.
//
// ctx bounds only the wait for a slot. Once fn has started, Do waits for it
// to return; fn receives ctx and decides for itself whether to honour it.
// A panic in fn is returned as *PanicError.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return fmt.Errorf("acquire worker: %w", err)
	}
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
		p.active.Add(-1)
		p.sem.Release(1)
		p.wg.Done()
	}()

	return fn(ctx)
}

// Close stops accepting work and waits for running functions to return.
// Calls waiting for a slot when Close is called still run.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
