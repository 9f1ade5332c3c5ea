package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of a task's trip through the queue.
type Outcome string

// The two externally observable per-task outcomes.
const (
	// OutcomeCompleted fires when a task is acked after successful processing.
	OutcomeCompleted Outcome = "completed"

	// OutcomeDeadLettered fires when a task exhausts its retry budget and is
	// moved to the dead-letter list.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// TaskLifecycleEvent notifies the business layer that a task reached a
// terminal state. It carries the task's identity and retry metadata without
// direct dependencies on the queue package.
type TaskLifecycleEvent struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// Outcome is the terminal state the task reached.
	Outcome Outcome `json:"outcome"`

	// TaskID is the caller-assigned identifier of the task.
	TaskID string `json:"task_id"`

	// Payload is the task's opaque payload, passed through for consumers
	// that need job parameters to record the outcome.
	Payload json.RawMessage `json:"payload"`

	// AttemptCount is the task's final attempt counter.
	AttemptCount int `json:"attempt_count"`

	// LastError is the final failure description; empty for completed tasks.
	LastError string `json:"last_error,omitempty"`

	// OccurredAt is the timestamp when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskLifecycleEvent creates a new TaskLifecycleEvent for the given task.
func NewTaskLifecycleEvent(outcome Outcome, taskID string, payload json.RawMessage, attemptCount int, lastError string) *TaskLifecycleEvent {
	return &TaskLifecycleEvent{
		ID:           uuid.New(),
		Outcome:      outcome,
		TaskID:       taskID,
		Payload:      payload,
		AttemptCount: attemptCount,
		LastError:    lastError,
		OccurredAt:   time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskLifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows the queue core to publish outcomes without direct knowledge
// of their consumers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskLifecycleEvent) error
}
