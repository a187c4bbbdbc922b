// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a stopped pool
var ErrPoolClosed = errors.New("pool is shutting down")

// Task represents a unit of work to be processed
type Task[In any] struct {
	ID      string
	Payload In
	Context context.Context
}

// Result represents the outcome of task processing
type Result[Out any] struct {
	TaskID   string
	Value    Out
	Err      error
	Attempts int
}

// Success reports whether the task completed without error
func (r *Result[Out]) Success() bool {
	return r.Err == nil
}

// WorkerFunc processes a single payload
type WorkerFunc[In, Out any] func(ctx context.Context, payload In) (Out, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job[In, Out any] struct {
	task  *Task[In]
	reply chan *Result[Out]
}

// Pool manages a pool of workers for concurrent task processing
type Pool[In, Out any] struct {
	config     Config
	workerFunc WorkerFunc[In, Out]
	logger     *zap.Logger

	jobs chan job[In, Out]
	wg   sync.WaitGroup

	// stopping is closed first so blocked senders give up before jobs closes
	stopping chan struct{}
	stopOnce sync.Once
	// closeMu guards jobs against sends after close
	closeMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New[In, Out any](cfg Config, fn WorkerFunc[In, Out], logger *zap.Logger) (*Pool[In, Out], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool[In, Out]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		jobs:       make(chan job[In, Out], cfg.QueueSize),
		stopping:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[In, Out]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Map runs every task on the pool and returns the results in task order.
// Queueing blocks while the queue is full. Tasks that cannot be queued, because
// ctx ended or the pool stopped, get a result carrying that error.
func (p *Pool[In, Out]) Map(ctx context.Context, tasks []*Task[In]) []*Result[Out] {
	results := make([]*Result[Out], len(tasks))
	replies := make([]chan *Result[Out], len(tasks))

	for i, task := range tasks {
		replies[i] = make(chan *Result[Out], 1)
		if err := p.enqueue(ctx, job[In, Out]{task: task, reply: replies[i]}); err != nil {
			results[i] = &Result[Out]{TaskID: task.ID, Err: err}
			replies[i] = nil
		}
	}

	for i, reply := range replies {
		if reply == nil {
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = &Result[Out]{TaskID: tasks[i].ID, Err: ctx.Err()}
		case results[i] = <-reply:
		}
	}
	return results
}

func (p *Pool[In, Out]) enqueue(ctx context.Context, j job[In, Out]) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- j:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrPoolClosed
	}
}

// Stop drains the queue and waits for the workers
func (p *Pool[In, Out]) Stop() error {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[In, Out]) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for j := range p.jobs {
		atomic.AddInt64(&p.queueDepth, -1)
		j.reply <- p.process(id, j.task)
	}
}

// process runs a task with retries
func (p *Pool[In, Out]) process(workerID int, task *Task[In]) *Result[Out] {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := &Result[Out]{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts = attempt + 1
		result.Value, result.Err = p.workerFunc(ctx, task.Payload)
		if result.Err == nil || attempt >= p.config.MaxRetries || !p.retryable(result.Err) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Err == nil {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
	}
	return result
}

func (p *Pool[In, Out]) retryable(err error) bool {
	if p.config.Retryable == nil {
		return true
	}
	return p.config.Retryable(err)
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[In, Out]) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue is not backing up
func (p *Pool[In, Out]) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}

// Ready is a readiness probe failing while the queue is backing up
func (p *Pool[In, Out]) Ready(ctx context.Context) error {
	if !p.IsHealthy() {
		stats := p.Stats()
		return fmt.Errorf("task queue backing up: %d of %d slots used", stats.QueueDepth, stats.QueueCapacity)
	}
	return nil
}
