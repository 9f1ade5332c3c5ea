package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/render-api/internal/api/shared"
	"github.com/phrazzld/render-api/internal/queue"
	"github.com/phrazzld/render-api/internal/worker"
)

// SubmitJobRequest represents the request body for submitting a render job.
type SubmitJobRequest struct {
	ID          string          `json:"id"           validate:"required,min=1,max=128"`
	Payload     json.RawMessage `json:"payload"      validate:"required"`
	MaxAttempts int             `json:"max_attempts" validate:"omitempty,gt=0,lte=10"`
}

// SubmitJobResponse represents the response data for a job submission.
type SubmitJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
}

// JobEnqueuer is the slice of the queue manager the job handler needs.
// Satisfied by *queue.Manager.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, id string, payload json.RawMessage, maxAttempts int) (*queue.Task, error)
}

// AvailabilityChecker reports whether the broker is reachable.
// Satisfied by the broker adapter.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context) bool
}

// Admitter is the fallback admission decision. Satisfied by
// *fallback.Limiter.
type Admitter interface {
	Admit(identity string) (release func(), err error)
}

// JobHandler handles job submission requests. While the broker is healthy,
// submissions are enqueued durably and acknowledged with 202. While it is
// down, admission is routed through the fallback limiter and the job runs
// directly, with no queue persistence behind it.
type JobHandler struct {
	enqueuer      JobEnqueuer
	checker       AvailabilityChecker
	limiter       Admitter
	direct        worker.Handler
	directTimeout time.Duration
	validator     *validator.Validate
	logger        *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	enqueuer JobEnqueuer,
	checker AvailabilityChecker,
	limiter Admitter,
	direct worker.Handler,
	directTimeout time.Duration,
	logger *slog.Logger,
) *JobHandler {
	return &JobHandler{
		enqueuer:      enqueuer,
		checker:       checker,
		limiter:       limiter,
		direct:        direct,
		directTimeout: directTimeout,
		validator:     validator.New(),
		logger:        logger.With("component", "job_handler"),
	}
}

// SubmitJob handles POST /api/jobs requests.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	if h.checker.IsAvailable(r.Context()) {
		task, err := h.enqueuer.Enqueue(r.Context(), req.ID, req.Payload, req.MaxAttempts)
		if err == nil {
			// Processing happens asynchronously; outcomes arrive via the
			// completion signal, never on this response.
			shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitJobResponse{
				ID:     task.ID,
				Status: "accepted",
			})
			return
		}
		if !errors.Is(err, queue.ErrBrokerUnavailable) {
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
		// The broker went down between the health check and the push; fall
		// through to the degraded path.
	}

	h.submitDegraded(w, r, &req)
}

// submitDegraded serves a submission while the broker is unreachable:
// admission goes through the fallback limiter and the job executes directly.
// Work admitted here is lost if it fails; the synchronous response is the
// caller's only signal.
func (h *JobHandler) submitDegraded(w http.ResponseWriter, r *http.Request, req *SubmitJobRequest) {
	identity := callerIdentity(r)

	release, err := h.limiter.Admit(identity)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	defer release()

	h.logger.Warn("broker unavailable, executing job directly",
		"task_id", req.ID,
		"identity", identity)

	task := &queue.Task{
		ID:          req.ID,
		Payload:     req.Payload,
		MaxAttempts: 1,
		EnqueuedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.directTimeout)
	defer cancel()

	if err := h.direct(ctx, task); err != nil {
		h.logger.Error("direct execution failed",
			"task_id", req.ID,
			"error", err)
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Job execution failed", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, SubmitJobResponse{
		ID:     req.ID,
		Status: "completed",
		Mode:   "degraded",
	})
}

// callerIdentity picks the identity the fallback rate limiter keys on: the
// authenticated user when the upstream gateway supplies one, the remote
// address otherwise.
func callerIdentity(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}
