package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/render-api/internal/api/shared"
	"github.com/phrazzld/render-api/internal/queue"
)

// DeadLetterTaskResponse represents one dead-lettered task in operator
// listings.
type DeadLetterTaskResponse struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// RequeueResponse represents the result of an operator requeue.
type RequeueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeadLetterAdmin is the slice of the queue manager the admin handler needs.
// Satisfied by *queue.Manager.
type DeadLetterAdmin interface {
	ListDeadLetter(ctx context.Context) ([]*queue.Task, error)
	RequeueDeadLetter(ctx context.Context, id string) (*queue.Task, error)
}

// AdminHandler serves the operator surface: dead-letter inspection and
// requeue.
type AdminHandler struct {
	admin  DeadLetterAdmin
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(admin DeadLetterAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: logger.With("component", "admin_handler"),
	}
}

// ListDeadLetter handles GET /api/admin/dead-letter requests.
func (h *AdminHandler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.admin.ListDeadLetter(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	response := make([]DeadLetterTaskResponse, 0, len(tasks))
	for _, task := range tasks {
		response = append(response, DeadLetterTaskResponse{
			ID:           task.ID,
			Payload:      task.Payload,
			AttemptCount: task.AttemptCount,
			LastError:    task.LastError,
			EnqueuedAt:   task.EnqueuedAt,
		})
	}

	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// RequeueDeadLetter handles POST /api/admin/dead-letter/{id}/requeue requests.
func (h *AdminHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing task ID")
		return
	}

	task, err := h.admin.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("dead-lettered task requeued by operator", "task_id", task.ID)

	shared.RespondWithJSON(w, r, http.StatusOK, RequeueResponse{
		ID:     task.ID,
		Status: "requeued",
	})
}
