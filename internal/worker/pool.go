package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Task is one unit of background work, typically polling a single job.
type Task struct {
	Name string
	Run  func(ctx context.Context)
	// OnPanic runs after a panic in Run has been recovered.
	OnPanic func(recovered any)
}

// Pool manages N worker goroutines that run submitted tasks.
type Pool struct {
	n      int
	tasks  chan Task
	wg     sync.WaitGroup
	cancel context.CancelCauseFunc
	active atomic.Int64

	mu      sync.Mutex
	stopped bool
}

// NewPool creates a pool with n workers and room for queue pending tasks.
func NewPool(n, queue int) *Pool {
	if n < 1 {
		n = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		n:     n,
		tasks: make(chan Task, queue),
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancelCause(ctx)
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running tasks with ErrStopped as the cause and waits for
// workers to exit. Queued tasks that never started are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel(ErrStopped)
	}
	p.wg.Wait()
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("worker started", "id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping", "id", id)
			return
		case t := <-p.tasks:
			p.run(ctx, id, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, t Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", workerID, "task", t.Name, "panic", r, "stack", string(debug.Stack()))
			if t.OnPanic != nil {
				t.OnPanic(r)
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}
	slog.Debug("worker running task", "worker", workerID, "task", t.Name)
	t.Run(ctx)
}
