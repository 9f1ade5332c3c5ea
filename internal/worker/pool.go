package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/render-api/internal/queue"
)

// Handler executes the business logic for one claimed task. The payload is
// opaque to the queue; the handler deserializes it itself. Handlers must be
// idempotent: crash recovery and false sweeper reclaims can cause a task to
// execute more than once.
type Handler func(ctx context.Context, task *queue.Task) error

// QueueManager is the slice of the queue manager the worker pool needs.
// Satisfied by *queue.Manager.
type QueueManager interface {
	Claim(ctx context.Context, timeout time.Duration) (*queue.Lease, error)
	Ack(ctx context.Context, lease *queue.Lease) error
	Nack(ctx context.Context, lease *queue.Lease, cause error) (time.Duration, error)
	Release(ctx context.Context, lease *queue.Lease) error
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// WorkerCount determines how many concurrent worker loops claim tasks.
	WorkerCount int

	// ClaimTimeout bounds each blocking claim; on timeout the loop polls again.
	ClaimTimeout time.Duration

	// HandlerTimeout bounds a single handler execution. A handler exceeding
	// it is treated as failed and nacked.
	HandlerTimeout time.Duration

	// ErrorBackoff is how long a loop sleeps after a claim error before
	// polling again. Claim errors are the normal symptom of broker downtime,
	// so the loop backs off instead of spinning or exiting.
	ErrorBackoff time.Duration

	// NotDuePause is the brief sleep after releasing a claimed task whose
	// retry backoff has not yet elapsed, so a nearly-empty queue does not
	// rotate the same task in a tight loop.
	NotDuePause time.Duration
}

// DefaultPoolConfig returns a PoolConfig with reasonable defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerCount:    4,
		ClaimTimeout:   5 * time.Second,
		HandlerTimeout: 8 * time.Minute,
		ErrorBackoff:   2 * time.Second,
		NotDuePause:    500 * time.Millisecond,
	}
}

// Pool manages a set of worker loops that process tasks from the queue.
// It handles graceful shutdown and worker lifecycle.
type Pool struct {
	manager QueueManager
	handler Handler
	config  PoolConfig
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a new worker pool with the specified configuration.
func NewPool(manager QueueManager, handler Handler, config PoolConfig, logger *slog.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = defaults.ClaimTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = defaults.ErrorBackoff
	}
	if config.NotDuePause <= 0 {
		config.NotDuePause = defaults.NotDuePause
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		manager: manager,
		handler: handler,
		config:  config,
		logger:  logger.With("component", "worker_pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker loops.
func (p *Pool) Start() {
	p.logger.Info("starting workers", "worker_count", p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals all workers to finish their current task and exit, then
// waits for them.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}

// worker is the per-loop state machine: claim, execute, report, repeat.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-p.ctx.Done():
			logger.Debug("worker stopping")
			return
		default:
		}

		lease, err := p.manager.Claim(p.ctx, p.config.ClaimTimeout)
		if err != nil {
			if p.ctx.Err() != nil {
				logger.Debug("worker stopping")
				return
			}
			// Broker trouble: back off and poll again rather than exiting.
			logger.Warn("claim failed, backing off", "error", err)
			p.sleep(p.config.ErrorBackoff)
			continue
		}
		if lease == nil {
			// Claim timed out with no work; poll again.
			continue
		}

		if !lease.Task.Due(time.Now().UTC()) {
			// Retry backoff has not elapsed; put it back without touching
			// the attempt counter and pause briefly.
			if err := p.manager.Release(p.ctx, lease); err != nil {
				logger.Error("failed to release not-due task",
					"task_id", lease.Task.ID,
					"error", err)
			}
			p.sleep(p.config.NotDuePause)
			continue
		}

		retryIn := p.processTask(lease, logger)
		if retryIn > 0 {
			// The nacked task cannot run before its backoff floor anyway;
			// pausing this loop spreads retry pressure off a failing
			// dependency.
			p.sleep(retryIn)
		}
	}
}

// processTask executes the handler for one lease and guarantees exactly one
// of ack or nack (or a release on graceful shutdown) is reported, even when
// the handler panics. Returns the retry delay applied by a nack, if any.
func (p *Pool) processTask(lease *queue.Lease, logger *slog.Logger) time.Duration {
	task := lease.Task
	logger = logger.With("task_id", task.ID, "attempt_count", task.AttemptCount)

	logger.Info("processing task")
	start := time.Now()

	err := p.execute(task)

	// Reporting uses a fresh context: the outcome must reach the broker even
	// while the pool context is being cancelled for shutdown.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err == nil {
		logger.Info("task completed", "duration", time.Since(start))
		if ackErr := p.manager.Ack(reportCtx, lease); ackErr != nil {
			logger.Error("failed to ack task", "error", ackErr)
		}
		return 0
	}

	if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
		// Shutdown interrupted the handler; this is not a handler failure,
		// so return the task without consuming an attempt.
		logger.Info("task interrupted by shutdown, releasing")
		if relErr := p.manager.Release(reportCtx, lease); relErr != nil {
			logger.Error("failed to release interrupted task", "error", relErr)
		}
		return 0
	}

	logger.Error("task failed", "error", err, "duration", time.Since(start))
	retryIn, nackErr := p.manager.Nack(reportCtx, lease, err)
	if nackErr != nil {
		logger.Error("failed to nack task", "error", nackErr)
		return 0
	}
	return retryIn
}

// execute runs the handler under the per-task timeout, converting panics and
// overruns into ordinary errors.
func (p *Pool) execute(task *queue.Task) error {
	execCtx, cancel := context.WithTimeout(p.ctx, p.config.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("internal error: handler panic: %v", r)
			}
		}()
		done <- p.handler(execCtx, task)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		if p.ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("handler timed out after %s", p.config.HandlerTimeout)
	}
}

// sleep pauses the calling loop, returning early on shutdown.
func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}
