package queue

import (
	"context"
	"time"
)

// Broker defines the narrow contract the queue core requires from the
// external list store. All shared mutable state flows through these
// primitives; the implementation must guarantee that Claim and MoveLease are
// atomic, so concurrent workers need no additional locking.
//
// Every method other than IsAvailable wraps transport failures in
// ErrBrokerUnavailable so callers can treat broker downtime as a recognized
// degraded mode.
type Broker interface {
	// Push appends a task to the pending list.
	Push(ctx context.Context, task *Task) error

	// Claim atomically moves one task from the tail of pending to the head
	// of processing and returns it as a lease, blocking up to timeout.
	// Returns (nil, nil) when no task arrived within the timeout. The
	// operation must never strand a task reachable in neither list.
	Claim(ctx context.Context, timeout time.Duration) (*Lease, error)

	// Remove deletes a leased task from the processing list, terminally.
	// Returns ErrTaskNotFound if the lease is no longer present (e.g. a
	// double ack, or a sweeper recovery raced the worker).
	Remove(ctx context.Context, lease *Lease) error

	// MoveLease atomically removes a leased element from the source list and
	// inserts the updated record into the target list (pending for retries,
	// sweeper recoveries, and operator requeues; dead_letter for exhausted
	// tasks). A nil updated record reinserts the element bytes unchanged.
	// The removal and the insertion are one atomic step: a failure leaves
	// the element in the source list, never in neither.
	// Returns ErrTaskNotFound if the element is no longer in the source list.
	MoveLease(ctx context.Context, lease *Lease, from, to List, updated *Task) error

	// ListTasks returns a read-only snapshot of the given list.
	ListTasks(ctx context.Context, list List) ([]*Task, error)

	// ListProcessing returns a snapshot of the processing list as leases,
	// with claim times attached, for the recovery sweeper. Undecodable
	// elements are surfaced as leases with a nil Task so the sweeper can
	// quarantine them.
	ListProcessing(ctx context.Context) ([]*Lease, error)

	// FindDeadLetter returns the dead-lettered task with the given ID as a
	// lease, without removing it. Returns ErrTaskNotFound if no such task
	// exists. Concurrent requeues of the same task are resolved by the
	// MoveLease guard, not here.
	FindDeadLetter(ctx context.Context, id string) (*Lease, error)

	// IsAvailable reports whether the broker is reachable. Implementations
	// cache the health probe briefly to avoid per-task overhead.
	IsAvailable(ctx context.Context) bool
}
