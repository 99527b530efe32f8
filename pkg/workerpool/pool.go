// Package workerpool provides a bounded worker pool with retries.
// Used by the notify worker to fan out physician notifications and
// fill-status updates without unbounded goroutine growth.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Context, when set, bounds the task's
// execution and retries.
type Task struct {
	ID      string
	Payload any
	Context context.Context

	// done receives the final result when the task was submitted
	// through SubmitWait.
	done chan *Result
}

// Result is the final outcome of a task after retries.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    any
}

// WorkerFunc executes one task attempt.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// ErrQueueFull reports a submit against a saturated queue.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrStopped reports a submit after Stop.
var ErrStopped = errors.New("workerpool: stopped")

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits n times this.
	RetryDelay  time.Duration
	StopTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification delivery.
func DefaultConfig() Config {
	return Config{
		Workers:     16,
		QueueSize:   1024,
		MaxRetries:  3,
		RetryDelay:  100 * time.Millisecond,
		StopTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers with per-task retry.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks  chan *Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a pool; Start launches it.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("workerpool: worker function is required")
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a task without waiting for its outcome. Failures
// after retries are logged by the worker.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task and blocks until its final result or ctx
// expiry. The task keeps running if ctx expires first.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-task.done:
		return res, nil
	}
}

// Stop drains queued tasks and waits for workers up to StopTimeout.
func (p *Pool) Stop() error {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("worker pool stop timed out")
	}
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		res := p.attempt(task)
		if !res.Success {
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(res.Error))
		}
		if task.done != nil {
			task.done <- res
		}
	}
}

// attempt runs the task through the retry schedule.
func (p *Pool) attempt(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var lastErr error
	for n := 0; n <= p.cfg.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}

		res := p.fn(ctx, task)
		if res.Success {
			return res
		}
		lastErr = res.Error

		if n == p.cfg.MaxRetries {
			break
		}
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n+1),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.cfg.RetryDelay * time.Duration(n+1)):
		}
	}

	return &Result{
		TaskID: task.ID,
		Error:  fmt.Errorf("after %d retries: %w", p.cfg.MaxRetries, lastErr),
	}
}
