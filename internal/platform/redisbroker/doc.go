// Package redisbroker implements the queue.Broker contract on Redis lists.
//
// The three task collections are plain Redis lists under a configurable key
// namespace, with claim timestamps in a companion hash. The claim operation
// is a single BLMOVE, which Redis executes atomically: a task is never
// reachable in neither list, even if the broker or a worker dies mid-claim.
// Multi-step transitions (nack, dead-letter, sweeper recovery) run as a Lua
// script so the removal and re-insertion are a single atomic step as well.
//
// Transport failures are converted into queue.ErrBrokerUnavailable and flip
// the cached availability flag; callers treat broker downtime as a degraded
// operating mode rather than an exception path.
package redisbroker
