package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// Task is one unit of session work run by the pool.
type Task func(ctx context.Context)

// TaskRunner accepts session work for asynchronous execution.
type TaskRunner interface {
	Submit(task Task) error
}

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	workers []*Worker
	tasks   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		workers: make([]*Worker, workers),
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)), zap.Int("queue", cap(p.tasks)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Submit enqueues task without blocking. A full queue or a stopped pool yields
// ErrUnavailable.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("%w: worker pool stopped", ErrUnavailable)
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%w: worker queue full", ErrUnavailable)
	}
}

// Stop cancels the pool context, drains queued tasks and waits for the workers.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	for task := range w.pool.tasks {
		w.execute(task)
	}
}

func (w *Worker) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Task panicked", zap.Int("workerID", w.id), zap.Any("panic", r))
		}
	}()
	task(w.pool.ctx)
}
