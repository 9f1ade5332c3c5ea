package queue

import "errors"

// Common errors returned by the queue core.
var (
	// ErrBrokerUnavailable indicates the broker could not be reached.
	// Broker downtime is an expected operating mode, not a fatal condition:
	// callers switch to the fallback admission path instead of crashing.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTaskNotFound indicates the referenced task is not present in the
	// list the operation targeted.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask indicates a malformed enqueue request (missing ID or
	// payload that is not valid JSON).
	ErrInvalidTask = errors.New("invalid task")
)
