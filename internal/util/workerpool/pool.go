package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work to be executed by the pool
type Task struct {
	Name string
	Fn   func(context.Context) error
}

// Pool manages a bounded set of goroutines executing tasks from a queue
type Pool struct {
	name      string
	tasks     chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New creates and starts a worker pool
func New(cfg *Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:     cfg.Name,
		tasks:    make(chan Task, queueSize),
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))
	return p
}

// Submit enqueues a task, blocking while the queue is full. Returns an error
// if the context is done or the pool has been stopped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		return fmt.Errorf("worker pool %s is stopped", p.name)
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.stopChan:
		return fmt.Errorf("worker pool %s is stopped", p.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals workers to exit and waits for in-flight tasks to finish.
// Queued tasks that have not started may be dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped",
		zap.String("name", p.name),
		zap.Uint64("completed", p.completed.Load()),
		zap.Uint64("failed", p.failed.Load()))
}

// Completed returns the number of tasks that finished without error
func (p *Pool) Completed() uint64 {
	return p.completed.Load()
}

// Failed returns the number of tasks that returned an error
func (p *Pool) Failed() uint64 {
	return p.failed.Load()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.tasks:
			if err := task.Fn(ctx); err != nil {
				p.failed.Add(1)
				p.logger.Error("Worker task failed",
					zap.String("pool", p.name),
					zap.Int("worker_id", id),
					zap.String("task", task.Name),
					zap.Error(err))
			} else {
				p.completed.Add(1)
			}
		}
	}
}
