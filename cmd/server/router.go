package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/render-api/internal/api"
	apiMiddleware "github.com/phrazzld/render-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	jobHandler := api.NewJobHandler(
		app.manager,
		app.broker,
		app.limiter,
		app.handler,
		app.config.Queue.HandlerTimeout,
		app.logger,
	)
	adminHandler := api.NewAdminHandler(app.manager, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", jobHandler.SubmitJob)

		// Outcome lookups need the outcome store, which is optional.
		if app.outcomes != nil {
			statusHandler := api.NewStatusHandler(app.outcomes, app.logger)
			r.Get("/jobs/{id}", statusHandler.GetJob)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Get("/dead-letter", adminHandler.ListDeadLetter)
			r.Post("/dead-letter/{id}/requeue", adminHandler.RequeueDeadLetter)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
