// Package worker contains the consumer side of the task queue: a pool of
// worker loops that claim, execute, and acknowledge tasks, and the recovery
// sweeper that returns tasks abandoned by crashed workers to the pending
// list. Concurrent workers are safe without application-level locking
// because the broker's claim operation is atomic and grants exclusive
// ownership.
package worker
