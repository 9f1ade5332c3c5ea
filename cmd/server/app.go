package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/render-api/internal/config"
	"github.com/phrazzld/render-api/internal/events"
	"github.com/phrazzld/render-api/internal/fallback"
	"github.com/phrazzld/render-api/internal/platform/postgres"
	"github.com/phrazzld/render-api/internal/platform/redisbroker"
	"github.com/phrazzld/render-api/internal/queue"
	"github.com/phrazzld/render-api/internal/store"
	"github.com/phrazzld/render-api/internal/worker"
)

// application holds the wired components of the server.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	broker  *redisbroker.Broker
	manager *queue.Manager
	emitter *events.InMemoryEventEmitter
	pool    *worker.Pool
	sweeper *worker.Sweeper
	limiter *fallback.Limiter
	handler worker.Handler

	// outcomes is nil when no database is configured; the status endpoint is
	// only registered when it is present.
	outcomes store.OutcomeStore
	db       *sql.DB
	server   *http.Server
}

// newApplication wires the application components together. The render
// handler is injected so the queue core stays independent of provider glue.
func newApplication(cfg *config.Config, logger *slog.Logger, handler worker.Handler) (*application, error) {
	client := redisbroker.NewClient(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB)
	broker := redisbroker.New(client, redisbroker.Options{
		Namespace:            cfg.Broker.Namespace,
		AvailabilityCacheTTL: cfg.Broker.AvailabilityCacheTTL,
	}, logger)

	emitter := events.NewInMemoryEventEmitter(logger)

	manager := queue.NewManager(broker, queue.ManagerConfig{
		BaseDelay:          cfg.Queue.BaseDelay,
		MaxDelay:           cfg.Queue.MaxDelay,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
	}, emitter, logger)

	pool := worker.NewPool(manager, handler, worker.PoolConfig{
		WorkerCount:    cfg.Queue.WorkerCount,
		ClaimTimeout:   cfg.Broker.ClaimTimeout,
		HandlerTimeout: cfg.Queue.HandlerTimeout,
	}, logger)

	sweeper := worker.NewSweeper(broker, worker.SweeperConfig{
		StalenessThreshold: cfg.Queue.StalenessThreshold,
		Interval:           cfg.Queue.SweepInterval,
	}, logger)

	limiter := fallback.NewLimiter(fallback.Config{
		RateWindow:     cfg.Fallback.RateWindow,
		RateCap:        cfg.Fallback.RateCap,
		ConcurrencyCap: cfg.Fallback.ConcurrencyCap,
	}, logger)

	app := &application{
		config:  cfg,
		logger:  logger,
		broker:  broker,
		manager: manager,
		emitter: emitter,
		pool:    pool,
		sweeper: sweeper,
		limiter: limiter,
		handler: handler,
	}

	// The job outcome store is optional: without a database the terminal
	// outcomes are still logged and emitted, just not persisted.
	if cfg.Database.URL != "" {
		db, err := openDatabase(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := runMigrations(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		app.db = db
		app.outcomes = postgres.NewPostgresOutcomeStore(db, logger)
		emitter.RegisterHandler(&outcomeRecorder{store: app.outcomes, logger: logger})
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Start runs the recovery sweep, launches the background components, and
// starts serving HTTP.
func (app *application) Start(ctx context.Context) error {
	// Reclaim tasks abandoned by a previous run of this process. Broker
	// downtime here is not fatal: the periodic sweep retries.
	if recovered, err := app.sweeper.RunOnce(ctx); err != nil {
		app.logger.Warn("startup recovery sweep failed, starting degraded", "error", err)
	} else if recovered > 0 {
		app.logger.Info("startup recovery sweep finished", "recovered", recovered)
	}

	app.sweeper.Start()
	app.pool.Start()

	go func() {
		app.logger.Info("http server listening", "addr", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the components in dependency order: stop accepting
// requests, drain the workers, then release shared resources.
func (app *application) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := app.server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http server shutdown: %w", err)
	}

	app.pool.Stop()
	app.sweeper.Stop()
	app.limiter.Close()

	if app.db != nil {
		if err := app.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database close: %w", err)
		}
	}

	app.logger.Info("shutdown complete")
	return firstErr
}

// outcomeRecorder persists terminal task outcomes as business job records.
// It is the completion-signal consumer at the queue/business boundary.
type outcomeRecorder struct {
	store  store.OutcomeStore
	logger *slog.Logger
}

// HandleEvent maps a lifecycle event onto a job outcome row.
func (h *outcomeRecorder) HandleEvent(ctx context.Context, event *events.TaskLifecycleEvent) error {
	status := store.OutcomeStatusSucceeded
	if event.Outcome == events.OutcomeDeadLettered {
		status = store.OutcomeStatusDeadLettered
	}

	outcome := &store.JobOutcome{
		TaskID:       event.TaskID,
		Status:       status,
		AttemptCount: event.AttemptCount,
		LastError:    event.LastError,
		Payload:      event.Payload,
		FinishedAt:   event.OccurredAt,
	}

	if err := h.store.RecordOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("failed to persist job outcome: %w", err)
	}

	h.logger.Debug("job outcome recorded",
		"task_id", event.TaskID,
		"status", status)
	return nil
}

// defaultRenderHandler is the integration point where provider glue plugs
// in. The default implementation only logs the dispatch; deployments
// replace it with the handler that calls their rendering provider.
func defaultRenderHandler(logger *slog.Logger) worker.Handler {
	log := logger.With("component", "render_handler")
	return func(ctx context.Context, task *queue.Task) error {
		log.Info("dispatching render job",
			"task_id", task.ID,
			"attempt_count", task.AttemptCount,
			"payload_bytes", len(task.Payload))
		return nil
	}
}
