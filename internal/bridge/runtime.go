// Package bridge is the sole gateway between synchronous script code and the
// asynchronous kernel. It owns the process-wide blocking worker pool that
// script execution and other intentionally blocking work run on, and the
// cancellation tokens threaded through every in-flight request.
//
// The original architecture pinned all I/O to a single global async runtime;
// in Go the scheduler makes that implicit, so what survives here is the
// bounded pool (so script work cannot starve the kernel loop) and the single
// well-documented process-wide accessor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrent blocking tasks.
const DefaultWorkers = 8

var (
	globalMu sync.Mutex
	global   *Runtime
)

// Runtime is the blocking worker pool. One lives per process; tests may build
// private instances with NewRuntime.
type Runtime struct {
	sem     *semaphore.Weighted
	base    context.Context
	cancel  context.CancelFunc
	workers int64
}

// NewRuntime builds a pool with the given worker bound.
func NewRuntime(workers int64) *Runtime {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		sem:     semaphore.NewWeighted(workers),
		base:    ctx,
		cancel:  cancel,
		workers: workers,
	}
}

// Global returns the process-wide runtime, creating it on first use.
func Global() *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewRuntime(DefaultWorkers)
	}
	return global
}

// ResetGlobal tears down the process runtime. Only shutdown and tests call
// this.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		global.Shutdown()
		global = nil
	}
}

// Shutdown cancels the base context; queued tasks observe cancellation.
func (r *Runtime) Shutdown() {
	r.cancel()
}

// Acquire reserves a worker slot, respecting ctx.
func (r *Runtime) Acquire(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire blocking worker: %w", err)
	}
	return nil
}

// Release returns a worker slot.
func (r *Runtime) Release() {
	r.sem.Release(1)
}

// ErrRuntimeDown is returned when work is submitted after Shutdown.
var ErrRuntimeDown = errors.New("bridge: runtime is shut down")
