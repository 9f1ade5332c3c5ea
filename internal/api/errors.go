package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/render-api/internal/fallback"
	"github.com/phrazzld/render-api/internal/queue"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Bad request errors
	case errors.Is(err, queue.ErrInvalidTask):
		return http.StatusBadRequest

	// Not found errors
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound

	// Admission-control rejections (retriable)
	case errors.Is(err, fallback.ErrRateLimited),
		errors.Is(err, fallback.ErrTooManyInFlight):
		return http.StatusTooManyRequests

	// Degraded-mode signal: broker down and the request could not be served
	case errors.Is(err, queue.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, queue.ErrInvalidTask):
		return "Invalid job submission"

	case errors.Is(err, queue.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, fallback.ErrRateLimited):
		return "Rate limit exceeded, try again later"

	case errors.Is(err, fallback.ErrTooManyInFlight):
		return "Too many jobs in flight, try again later"

	case errors.Is(err, queue.ErrBrokerUnavailable):
		return "Service temporarily degraded, try again later"

	default:
		return "An unexpected error occurred"
	}
}
