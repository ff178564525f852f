// Package workerpool runs background jobs, such as delivery receipts and
// notification fanout, on a bounded set of goroutines.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of background work. It receives the pool's context, which
// is cancelled on Shutdown.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	for i := range workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Debug("worker pool started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panic recovered", zap.Int("worker_id", id), zap.Any("panic", r))
		}
	}()
	task(p.ctx)
}

// Submit queues task, blocking while the queue is full. Returns false once
// the pool is shut down.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// TrySubmit queues task without blocking. Returns false if the queue is full
// or the pool is shut down.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.logger.Warn("worker pool queue full, dropping task")
		return false
	}
}

// Shutdown cancels the pool context, lets queued tasks observe it, and waits
// for every worker to exit.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Debug("worker pool shutdown completed")
	})
}
