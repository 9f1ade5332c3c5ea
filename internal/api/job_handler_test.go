package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/render-api/internal/fallback"
	"github.com/phrazzld/render-api/internal/queue"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// mockEnqueuer implements JobEnqueuer.
type mockEnqueuer struct {
	err      error
	enqueued []string
}

func (m *mockEnqueuer) Enqueue(_ context.Context, id string, payload json.RawMessage, maxAttempts int) (*queue.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.enqueued = append(m.enqueued, id)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &queue.Task{ID: id, Payload: payload, MaxAttempts: maxAttempts}, nil
}

// mockChecker implements AvailabilityChecker.
type mockChecker struct {
	available bool
}

func (m *mockChecker) IsAvailable(context.Context) bool {
	return m.available
}

// mockAdmitter implements Admitter.
type mockAdmitter struct {
	err        error
	identities []string
	released   int
}

func (m *mockAdmitter) Admit(identity string) (func(), error) {
	m.identities = append(m.identities, identity)
	if m.err != nil {
		return nil, m.err
	}
	return func() { m.released++ }, nil
}

type handlerFixture struct {
	enqueuer *mockEnqueuer
	checker  *mockChecker
	admitter *mockAdmitter
	directed []string
	handler  *JobHandler
}

func newFixture(directErr error) *handlerFixture {
	f := &handlerFixture{
		enqueuer: &mockEnqueuer{},
		checker:  &mockChecker{available: true},
		admitter: &mockAdmitter{},
	}
	direct := func(_ context.Context, task *queue.Task) error {
		f.directed = append(f.directed, task.ID)
		return directErr
	}
	f.handler = NewJobHandler(f.enqueuer, f.checker, f.admitter, direct, time.Second, setupTestLogger())
	return f
}

func submit(t *testing.T, handler *JobHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.SubmitJob(w, req)
	return w
}

func TestSubmitJob_EnqueuesWhileBrokerHealthy(t *testing.T) {
	f := newFixture(nil)

	w := submit(t, f.handler, `{"id":"job-1","payload":{"prompt":"sunset"}}`)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.ID)
	assert.Equal(t, "accepted", resp.Status)
	assert.Empty(t, resp.Mode)

	assert.Equal(t, []string{"job-1"}, f.enqueuer.enqueued)
	assert.Empty(t, f.directed, "healthy-mode submissions must not execute inline")
	assert.Empty(t, f.admitter.identities, "healthy-mode submissions bypass the fallback limiter")
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	f := newFixture(nil)

	w := submit(t, f.handler, `{not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.enqueuer.enqueued)
}

func TestSubmitJob_ValidationErrors(t *testing.T) {
	f := newFixture(nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"payload":{}}`},
		{"missing payload", `{"id":"job-1"}`},
		{"max attempts too high", `{"id":"job-1","payload":{},"max_attempts":99}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := submit(t, f.handler, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitJob_DegradedModeExecutesDirectly(t *testing.T) {
	f := newFixture(nil)
	f.checker.available = false

	w := submit(t, f.handler, `{"id":"job-1","payload":{"prompt":"sunset"}}`)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "degraded", resp.Mode)

	assert.Empty(t, f.enqueuer.enqueued)
	assert.Equal(t, []string{"job-1"}, f.directed)
	assert.Equal(t, 1, f.admitter.released, "the concurrency permit must be released")
}

func TestSubmitJob_DegradedModeRateLimited(t *testing.T) {
	f := newFixture(nil)
	f.checker.available = false
	f.admitter.err = fallback.ErrRateLimited

	w := submit(t, f.handler, `{"id":"job-1","payload":{}}`)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, f.directed, "a rejected submission must not execute")
}

func TestSubmitJob_DegradedModeConcurrencyCapped(t *testing.T) {
	f := newFixture(nil)
	f.checker.available = false
	f.admitter.err = fallback.ErrTooManyInFlight

	w := submit(t, f.handler, `{"id":"job-1","payload":{}}`)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, f.directed)
}

func TestSubmitJob_DegradedModeExecutionFailure(t *testing.T) {
	f := newFixture(assert.AnError)
	f.checker.available = false

	w := submit(t, f.handler, `{"id":"job-1","payload":{}}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error(),
		"raw error details must not reach the client")
	assert.Equal(t, 1, f.admitter.released, "the permit must be released on failure too")
}

func TestSubmitJob_FallsBackWhenPushRacesOutage(t *testing.T) {
	// The health probe said available but the push found the broker gone.
	f := newFixture(nil)
	f.checker.available = true
	f.enqueuer.err = queue.ErrBrokerUnavailable

	w := submit(t, f.handler, `{"id":"job-1","payload":{}}`)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Mode)
	assert.Equal(t, []string{"job-1"}, f.directed)
}

func TestSubmitJob_NonBrokerEnqueueErrorsPropagate(t *testing.T) {
	f := newFixture(nil)
	f.enqueuer.err = queue.ErrInvalidTask

	w := submit(t, f.handler, `{"id":"job-1","payload":{}}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.directed, "only broker outages route to the degraded path")
}

func TestCallerIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
	req.RemoteAddr = "203.0.113.7:9999"
	assert.Equal(t, "203.0.113.7:9999", callerIdentity(req))

	req.Header.Set("X-User-ID", "user-42")
	assert.Equal(t, "user-42", callerIdentity(req))
}
