// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It acts as an adapter between external clients
// and the queue core, translating HTTP concerns to queue operations and
// routing admission through the fallback limiter while the broker is down.
package api
