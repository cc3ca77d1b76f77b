// Package dispatch runs transfer invocations on a bounded worker pool.
//
// Each dispatch is identified by an opaque handle. The handle can be used to
// terminate the invocation whether it is still queued, waiting on a deferred
// timer, or already running on a worker.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunFunc executes one task. The context is cancelled when the dispatch is
// terminated or the dispatcher shuts down.
type RunFunc func(ctx context.Context, taskID uint)

type job struct {
	taskID uint
	handle string
}

// Dispatcher is a fixed-size worker pool fed by a buffered queue. Every
// worker executes at most one task at a time.
type Dispatcher struct {
	logger  *slog.Logger
	run     RunFunc
	workers int

	jobs chan job

	mu      sync.Mutex
	pending map[string]bool               // dispatched but not yet running
	timers  map[string]*time.Timer        // deferred dispatches
	active  map[string]context.CancelFunc // running invocations

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *slog.Logger, workers int, run RunFunc) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger,
		run:     run,
		workers: workers,
		jobs:    make(chan job, 1024),
		pending: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
		active:  make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop cancels all running invocations and waits for the workers to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Dispatch queues a task for execution and returns its handle.
func (d *Dispatcher) Dispatch(taskID uint) string {
	handle := uuid.New().String()
	d.mu.Lock()
	d.pending[handle] = true
	d.mu.Unlock()

	select {
	case d.jobs <- job{taskID: taskID, handle: handle}:
	case <-d.ctx.Done():
		d.clearPending(handle)
	}
	return handle
}

// DispatchAfter queues a task for execution after the given delay.
func (d *Dispatcher) DispatchAfter(taskID uint, delay time.Duration) string {
	handle := uuid.New().String()
	d.mu.Lock()
	d.pending[handle] = true
	d.timers[handle] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, handle)
		alive := d.pending[handle]
		d.mu.Unlock()
		if !alive {
			return
		}
		select {
		case d.jobs <- job{taskID: taskID, handle: handle}:
		case <-d.ctx.Done():
			d.clearPending(handle)
		}
	})
	d.mu.Unlock()
	return handle
}

// Terminate cancels the invocation identified by handle. Queued or deferred
// invocations are dropped; running ones get their context cancelled and stop
// cooperatively.
func (d *Dispatcher) Terminate(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, handle)
	if t, ok := d.timers[handle]; ok {
		t.Stop()
		delete(d.timers, handle)
	}
	if cancel, ok := d.active[handle]; ok {
		cancel()
	}
}

// IsLive reports whether the handle refers to a queued, deferred or running
// invocation. Used by crash recovery to spot orphaned tasks.
func (d *Dispatcher) IsLive(handle string) bool {
	if handle == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[handle] {
		return true
	}
	_, running := d.active[handle]
	return running
}

func (d *Dispatcher) clearPending(handle string) {
	d.mu.Lock()
	delete(d.pending, handle)
	d.mu.Unlock()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			d.execute(j)
		}
	}
}

func (d *Dispatcher) execute(j job) {
	d.mu.Lock()
	if !d.pending[j.handle] {
		// Terminated before a worker picked it up.
		d.mu.Unlock()
		return
	}
	delete(d.pending, j.handle)
	ctx, cancel := context.WithCancel(d.ctx)
	d.active[j.handle] = cancel
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker panic recovered", "task", j.taskID, "panic", r)
		}
		d.mu.Lock()
		delete(d.active, j.handle)
		d.mu.Unlock()
		cancel()
	}()

	d.run(ctx, j.taskID)
}
