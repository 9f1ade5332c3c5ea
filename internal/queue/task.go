package queue

import (
	"encoding/json"
	"time"
)

// List identifies one of the three disjoint collections a task can occupy.
// A task is a member of exactly one list at any instant; a successful ack
// removes it from all of them.
type List string

// The three task collections.
const (
	ListPending    List = "pending"
	ListProcessing List = "processing"
	ListDeadLetter List = "dead_letter"
)

// Task represents a unit of background render work to be processed.
// The payload is opaque to the queue: consumers deserialize it themselves.
type Task struct {
	// ID is the caller-assigned identifier, stable across retries.
	ID string `json:"id"`

	// Payload contains the caller-defined job parameters serialized as JSON.
	Payload json.RawMessage `json:"payload"`

	// AttemptCount is the number of claims that ended in a nack.
	// It only ever increases; sweeper recoveries do not touch it.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the ceiling after which the task moves to the
	// dead-letter list instead of being retried.
	MaxAttempts int `json:"max_attempts"`

	// LastError holds the most recent failure description; empty until the
	// first nack.
	LastError string `json:"last_error,omitempty"`

	// EnqueuedAt is the timestamp of the most recent (re)enqueue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// ClaimedAt is set while a worker holds the task; zero otherwise.
	ClaimedAt time.Time `json:"claimed_at,omitempty"`

	// NextAttemptAt is the earliest time a retried task may be claimed
	// again. Zero for tasks that have never been nacked.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// AttemptsExhausted reports whether the task has used up its retry budget
// and must transition to the dead-letter list on its next nack.
func (t *Task) AttemptsExhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}

// Due reports whether the task's retry backoff has elapsed at the given time.
func (t *Task) Due(now time.Time) bool {
	return t.NextAttemptAt.IsZero() || !now.Before(t.NextAttemptAt)
}

// Lease pairs a task with the exact list element bytes it was stored under.
// Brokers backed by list primitives need the raw bytes to remove the
// element, since the decoded task is re-serialized with different field
// values on every transition.
type Lease struct {
	// Task is the decoded task record. Nil when the element bytes could not
	// be decoded; such leases exist only to be quarantined.
	Task *Task

	// Raw is the list element exactly as it was claimed.
	Raw []byte

	// ClaimedAt is when the claim was granted.
	ClaimedAt time.Time
}
