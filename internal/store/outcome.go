// Package store defines the persistence interfaces consumed by the business
// layer, keeping storage concerns separate from the queue core.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrOutcomeNotFound indicates no outcome has been recorded for the task.
var ErrOutcomeNotFound = errors.New("job outcome not found")

// Job outcome status values. These mirror the two terminal lifecycle
// outcomes the queue emits.
const (
	OutcomeStatusSucceeded    = "succeeded"
	OutcomeStatusDeadLettered = "dead_lettered"
)

// JobOutcome is the business-layer record of a task reaching a terminal
// state: the persisted form of a completion or failure signal.
type JobOutcome struct {
	// TaskID is the caller-assigned task identifier.
	TaskID string

	// Status is succeeded or dead_lettered.
	Status string

	// AttemptCount is the task's final attempt counter.
	AttemptCount int

	// LastError is the final failure description; empty for successes.
	LastError string

	// Payload is the job's parameters, kept for operator forensics.
	Payload json.RawMessage

	// FinishedAt is when the terminal outcome was reached.
	FinishedAt time.Time
}

// OutcomeStore defines the interface for persisting job outcomes.
type OutcomeStore interface {
	// RecordOutcome saves the terminal outcome for a task. Recording again
	// for the same task (e.g. after an operator requeue) overwrites the
	// previous outcome.
	RecordOutcome(ctx context.Context, outcome *JobOutcome) error

	// GetOutcome retrieves the recorded outcome for a task.
	// Returns ErrOutcomeNotFound if none exists.
	GetOutcome(ctx context.Context, taskID string) (*JobOutcome, error)
}
