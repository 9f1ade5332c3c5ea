package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/render-api/internal/api/shared"
	"github.com/phrazzld/render-api/internal/store"
)

// JobStatusResponse represents the recorded terminal outcome of a job.
type JobStatusResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// OutcomeGetter is the slice of the outcome store the status handler needs.
// Satisfied by store.OutcomeStore implementations.
type OutcomeGetter interface {
	GetOutcome(ctx context.Context, taskID string) (*store.JobOutcome, error)
}

// StatusHandler serves job outcome lookups. Only terminal outcomes are
// visible here: a job still pending or processing has no recorded outcome
// yet and reads as not found.
type StatusHandler struct {
	outcomes OutcomeGetter
	logger   *slog.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(outcomes OutcomeGetter, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		outcomes: outcomes,
		logger:   logger.With("component", "status_handler"),
	}
}

// GetJob handles GET /api/jobs/{id} requests.
func (h *StatusHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing job ID")
		return
	}

	outcome, err := h.outcomes.GetOutcome(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrOutcomeNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "No outcome recorded for job")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to look up job outcome", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, JobStatusResponse{
		ID:           outcome.TaskID,
		Status:       outcome.Status,
		AttemptCount: outcome.AttemptCount,
		LastError:    outcome.LastError,
		Payload:      outcome.Payload,
		FinishedAt:   outcome.FinishedAt,
	})
}
