package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/render-api/internal/platform/logger"
	"github.com/phrazzld/render-api/internal/store"
)

// PostgresOutcomeStore implements the store.OutcomeStore interface using
// PostgreSQL.
type PostgresOutcomeStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresOutcomeStore creates a new PostgresOutcomeStore.
func NewPostgresOutcomeStore(db store.DBTX, log *slog.Logger) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{
		db:     db,
		logger: log.With("component", "postgres_outcome_store"),
	}
}

// RecordOutcome saves the terminal outcome for a task, overwriting any
// previously recorded outcome for the same task ID.
func (s *PostgresOutcomeStore) RecordOutcome(ctx context.Context, outcome *store.JobOutcome) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO job_outcomes (task_id, status, attempt_count, last_error, payload, finished_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempt_count = EXCLUDED.attempt_count,
		    last_error = EXCLUDED.last_error,
		    payload = EXCLUDED.payload,
		    finished_at = EXCLUDED.finished_at,
		    recorded_at = EXCLUDED.recorded_at
	`

	_, err := s.db.ExecContext(ctx, query,
		outcome.TaskID,
		outcome.Status,
		outcome.AttemptCount,
		outcome.LastError,
		[]byte(outcome.Payload),
		outcome.FinishedAt,
		time.Now().UTC(),
	)
	if err != nil {
		log.Error("failed to record job outcome",
			"task_id", outcome.TaskID,
			"status", outcome.Status,
			"error", err)
		return fmt.Errorf("failed to record job outcome: %w", err)
	}

	return nil
}

// GetOutcome retrieves the recorded outcome for a task.
func (s *PostgresOutcomeStore) GetOutcome(ctx context.Context, taskID string) (*store.JobOutcome, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT task_id, status, attempt_count, last_error, payload, finished_at
		FROM job_outcomes
		WHERE task_id = $1
	`

	var outcome store.JobOutcome
	var lastError sql.NullString
	var payload []byte

	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&outcome.TaskID,
		&outcome.Status,
		&outcome.AttemptCount,
		&lastError,
		&payload,
		&outcome.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrOutcomeNotFound, taskID)
		}
		log.Error("failed to get job outcome",
			"task_id", taskID,
			"error", err)
		return nil, fmt.Errorf("failed to get job outcome: %w", err)
	}

	outcome.LastError = lastError.String
	outcome.Payload = payload

	return &outcome, nil
}
