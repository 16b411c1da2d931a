package scheduler

import (
	"context"
	"sync"

	"github.com/minisource/taskqueue/internal/engine"
	"github.com/minisource/taskqueue/internal/storage"
)

// WorkerPool bounds how many picked tasks run concurrently. Unlike the
// push-based pool this package's predecessor used, tasks are pulled one at
// a time from Storage.StartNextTask, so the pool only needs to gate
// concurrency and report when a slot frees up -- that completion is the
// scheduler's "task settled" edge trigger.
type WorkerPool struct {
	sem    chan struct{}
	fn     engine.Executor
	onDone func()
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool with room for workers concurrent task runs.
func NewWorkerPool(workers int, fn engine.Executor, onDone func()) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		sem:    make(chan struct{}, workers),
		fn:     fn,
		onDone: onDone,
	}
}

// TryAcquire reserves a slot without blocking. The caller must either call
// Run (which releases the slot itself) or Release if it decides not to run
// anything after all.
func (p *WorkerPool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release gives back a slot acquired by TryAcquire but not passed to Run.
func (p *WorkerPool) Release() { <-p.sem }

// Run executes picked in its own goroutine using a slot already reserved
// by TryAcquire, releasing it and invoking onDone when the task settles or
// suspends.
func (p *WorkerPool) Run(ctx context.Context, picked *storage.Picked) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if p.onDone != nil {
				p.onDone()
			}
		}()
		p.fn(ctx, picked.Task, picked.Steps)
	}()
}

// Wait blocks until every running task finishes.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Size returns the pool's worker capacity.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// InFlight returns the number of slots currently reserved.
func (p *WorkerPool) InFlight() int { return len(p.sem) }
