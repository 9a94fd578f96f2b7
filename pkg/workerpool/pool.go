// Package workerpool provides a bounded worker pool for controlled concurrency.
// It runs the knowledge lookups fanned out by every authoring session.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
	// Run is executed by RunFunc pools
	Run func(ctx context.Context) (interface{}, error)
	// Done receives the final result; without it the result is dropped
	Done func(*Result)
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
	Elapsed  time.Duration
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// RunFunc is a WorkerFunc that executes the task's own Run function.
func RunFunc(ctx context.Context, task *Task) *Result {
	if task.Run == nil {
		return &Result{TaskID: task.ID, Error: backoff.Permanent(fmt.Errorf("task %s has no run function", task.ID))}
	}
	data, err := task.Run(ctx)
	return &Result{TaskID: task.ID, Success: err == nil, Error: err, Data: data}
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int
	// RetryDelay is the fixed delay between attempts
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults used for knowledge lookups
func DefaultConfig() Config {
	return Config{
		Workers:                 32,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	return pool, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
		zap.Int("max_retries", p.config.MaxRetries),
		zap.Duration("retry_delay", p.config.RetryDelay))
}

// Submit adds a task to the queue
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("pool is shutting down")
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		// Close task channel to stop workers from receiving new tasks
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			p.cancel()
		}
		p.cancel()
	})
	return nil
}

// worker is the main worker goroutine
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// processTask handles a single task with a fixed number of retries at a fixed delay
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	start := time.Now()
	attempts := 0
	op := func() (*Result, error) {
		attempts++
		res := p.workerFunc(ctx, task)
		if res == nil {
			return nil, backoff.Permanent(fmt.Errorf("task %s returned no result", task.ID))
		}
		if !res.Success {
			if res.Error == nil {
				res.Error = fmt.Errorf("task %s failed", task.ID)
			}
			return res, res.Error
		}
		return res, nil
	}
	notify := func(err error, next time.Duration) {
		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempts),
			zap.Duration("next_in", next),
			zap.Error(err))
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.config.RetryDelay)),
		backoff.WithMaxTries(uint(p.config.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		result = &Result{
			TaskID: task.ID,
			Error:  fmt.Errorf("task failed after %d attempts: %w", attempts, err),
		}
	}
	result.TaskID = task.ID
	result.Attempts = attempts
	result.Elapsed = time.Since(start)

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempts),
			zap.Error(result.Error))
	}

	if task.Done != nil {
		task.Done(result)
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	TasksRetried   int64 `json:"tasksRetried"`
	ActiveWorkers  int64 `json:"activeWorkers"`
	QueueDepth     int64 `json:"queueDepth"`
	QueueCapacity  int   `json:"queueCapacity"`
	Workers        int   `json:"workers"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
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

// Saturation is the filled fraction of the task queue.
func (s Stats) Saturation() float64 {
	if s.QueueCapacity == 0 {
		return 0
	}
	return float64(s.QueueDepth) / float64(s.QueueCapacity)
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	// Healthy if queue isn't backing up significantly
	return p.Stats().Saturation() < 0.9
}
