package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/phrazzld/render-api/internal/events"
)

// ManagerConfig holds the retry policy for the queue manager.
type ManagerConfig struct {
	// BaseDelay is the starting unit for exponential retry backoff.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// DefaultMaxAttempts applies to tasks enqueued without an explicit ceiling.
	DefaultMaxAttempts int
}

// DefaultManagerConfig returns a ManagerConfig with reasonable defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BaseDelay:          2 * time.Second,
		MaxDelay:           5 * time.Minute,
		DefaultMaxAttempts: 3,
	}
}

// Manager orchestrates enqueue, claim, ack, nack, dead-letter, and requeue
// operations against the broker. It owns the retry/backoff policy and emits
// the completion and failure signals the business layer consumes.
type Manager struct {
	broker  Broker
	config  ManagerConfig
	emitter events.EventEmitter
	logger  *slog.Logger
}

// NewManager creates a new queue manager. The emitter may be nil, in which
// case terminal outcomes are only logged.
func NewManager(broker Broker, config ManagerConfig, emitter events.EventEmitter, logger *slog.Logger) *Manager {
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultManagerConfig().BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = DefaultManagerConfig().MaxDelay
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = DefaultManagerConfig().DefaultMaxAttempts
	}

	return &Manager{
		broker:  broker,
		config:  config,
		emitter: emitter,
		logger:  logger.With("component", "queue_manager"),
	}
}

// Enqueue validates the request and pushes a new task onto the pending list.
// The caller assigns the ID; the queue does not deduplicate, so idempotent
// submission is at the caller's discretion via stable IDs.
func (m *Manager) Enqueue(ctx context.Context, id string, payload json.RawMessage, maxAttempts int) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing task ID", ErrInvalidTask)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", ErrInvalidTask)
	}
	if maxAttempts <= 0 {
		maxAttempts = m.config.DefaultMaxAttempts
	}

	task := &Task{
		ID:           id,
		Payload:      payload,
		AttemptCount: 0,
		MaxAttempts:  maxAttempts,
		EnqueuedAt:   time.Now().UTC(),
	}

	if err := m.broker.Push(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	m.logger.Info("task enqueued",
		"task_id", task.ID,
		"max_attempts", task.MaxAttempts)

	return task, nil
}

// Claim atomically moves one pending task into processing and returns the
// lease, blocking up to timeout. Returns (nil, nil) when no work arrived.
func (m *Manager) Claim(ctx context.Context, timeout time.Duration) (*Lease, error) {
	return m.broker.Claim(ctx, timeout)
}

// Ack removes a processed task from the processing list, terminally, and
// emits the completion signal. A second ack for the same lease is a no-op.
func (m *Manager) Ack(ctx context.Context, lease *Lease) error {
	if err := m.broker.Remove(ctx, lease); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			// Double ack, or a sweeper recovery raced the worker.
			m.logger.Debug("ack for absent task treated as no-op", "task_id", lease.Task.ID)
			return nil
		}
		return fmt.Errorf("failed to ack task: %w", err)
	}

	m.logger.Info("task acked",
		"task_id", lease.Task.ID,
		"attempt_count", lease.Task.AttemptCount)

	m.emit(ctx, events.OutcomeCompleted, lease.Task)
	return nil
}

// Nack records a handler failure. The task is re-enqueued with an
// incremented attempt counter and an exponential backoff floor, or moved to
// the dead-letter list once attempts are exhausted. Returns the backoff
// delay applied to a retried task (zero when the task was dead-lettered).
func (m *Manager) Nack(ctx context.Context, lease *Lease, cause error) (time.Duration, error) {
	updated := *lease.Task
	updated.AttemptCount++
	updated.ClaimedAt = time.Time{}
	if cause != nil {
		updated.LastError = cause.Error()
	} else {
		updated.LastError = "unknown failure"
	}

	if updated.AttemptsExhausted() {
		updated.NextAttemptAt = time.Time{}
		if err := m.broker.MoveLease(ctx, lease, ListProcessing, ListDeadLetter, &updated); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				m.logger.Warn("nack for absent task, likely recovered by sweeper", "task_id", updated.ID)
				return 0, nil
			}
			return 0, fmt.Errorf("failed to dead-letter task: %w", err)
		}

		m.logger.Warn("task dead-lettered",
			"task_id", updated.ID,
			"attempt_count", updated.AttemptCount,
			"last_error", updated.LastError)

		m.emit(ctx, events.OutcomeDeadLettered, &updated)
		return 0, nil
	}

	delay := m.backoff(updated.AttemptCount)
	now := time.Now().UTC()
	updated.EnqueuedAt = now
	updated.NextAttemptAt = now.Add(delay)

	if err := m.broker.MoveLease(ctx, lease, ListProcessing, ListPending, &updated); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			m.logger.Warn("nack for absent task, likely recovered by sweeper", "task_id", updated.ID)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to requeue task: %w", err)
	}

	m.logger.Info("task requeued for retry",
		"task_id", updated.ID,
		"attempt_count", updated.AttemptCount,
		"retry_in", delay,
		"last_error", updated.LastError)

	return delay, nil
}

// Release returns a claimed task to the pending list without recording a
// failure. Workers use it when a claimed task's retry backoff has not yet
// elapsed; the attempt counter is untouched.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	updated := *lease.Task
	updated.ClaimedAt = time.Time{}

	if err := m.broker.MoveLease(ctx, lease, ListProcessing, ListPending, &updated); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("failed to release task: %w", err)
	}

	m.logger.Debug("task released back to pending",
		"task_id", updated.ID,
		"next_attempt_at", updated.NextAttemptAt)

	return nil
}

// RequeueDeadLetter moves a dead-lettered task back to pending with a fresh
// retry budget. Operator-triggered. Returns ErrTaskNotFound if no task with
// the given ID is currently dead-lettered. The transition is one atomic
// move: a broker failure leaves the task dead-lettered, never lost.
func (m *Manager) RequeueDeadLetter(ctx context.Context, id string) (*Task, error) {
	lease, err := m.broker.FindDeadLetter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find dead-lettered task: %w", err)
	}

	updated := *lease.Task
	updated.AttemptCount = 0
	updated.LastError = ""
	updated.ClaimedAt = time.Time{}
	updated.NextAttemptAt = time.Time{}
	updated.EnqueuedAt = time.Now().UTC()

	if err := m.broker.MoveLease(ctx, lease, ListDeadLetter, ListPending, &updated); err != nil {
		// ErrTaskNotFound here means a concurrent requeue of the same task won.
		return nil, fmt.Errorf("failed to requeue dead-lettered task: %w", err)
	}

	m.logger.Info("dead-lettered task requeued", "task_id", updated.ID)
	return &updated, nil
}

// ListDeadLetter enumerates the dead-letter list for operator visibility.
// It does not mutate state.
func (m *Manager) ListDeadLetter(ctx context.Context) ([]*Task, error) {
	tasks, err := m.broker.ListTasks(ctx, ListDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered tasks: %w", err)
	}
	return tasks, nil
}

// backoff computes min(2^attempt * base + jitter, max). Jitter is uniform in
// [0, base) to spread retries of tasks that failed together.
func (m *Manager) backoff(attempt int) time.Duration {
	// Guard the shift: beyond 30 doublings the cap always wins.
	if attempt > 30 {
		return m.config.MaxDelay
	}

	delay := m.config.BaseDelay << uint(attempt)
	if delay <= 0 || delay > m.config.MaxDelay {
		return m.config.MaxDelay
	}

	delay += time.Duration(rand.Int63n(int64(m.config.BaseDelay)))
	if delay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return delay
}

// emit publishes a terminal lifecycle event, if an emitter is configured.
// Emission failures are logged, never propagated: the queue transition has
// already happened and must not be rolled back by a slow consumer.
func (m *Manager) emit(ctx context.Context, outcome events.Outcome, task *Task) {
	if m.emitter == nil {
		return
	}

	event := events.NewTaskLifecycleEvent(outcome, task.ID, task.Payload, task.AttemptCount, task.LastError)
	if err := m.emitter.EmitEvent(ctx, event); err != nil {
		m.logger.Error("failed to emit lifecycle event",
			"task_id", task.ID,
			"outcome", outcome,
			"error", err)
	}
}
