// Package queue implements the reliable task queue core: the task record,
// the broker contract, and the manager that owns enqueue, ack, nack,
// dead-letter, and requeue semantics along with the retry backoff policy.
// It provides mechanisms for asynchronous execution of long-running render
// operations, ensuring they survive worker crashes and broker restarts and
// are never silently dropped.
package queue
