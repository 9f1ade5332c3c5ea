// Package fallback provides process-local admission control for the degraded
// operating mode entered when the broker is unreachable: a per-identity
// sliding-window rate limiter and a bounded concurrency gate. Work admitted
// here executes directly with no queue persistence behind it, so the caps
// are deliberately more conservative than the broker-backed mode's.
//
// All state is in-memory and process-lifetime only, by design: a restart
// resets the limits rather than attempting to persist them.
package fallback
