package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/render-api/internal/queue"
)

// SweeperConfig holds configuration for the recovery sweeper.
type SweeperConfig struct {
	// StalenessThreshold is how old a claim must be before its task is
	// presumed abandoned by a crashed worker. It must exceed the longest
	// plausible handler run: a threshold that is too short reclaims tasks
	// that are still legitimately executing, and the resulting duplicate
	// run is only acceptable because handlers are idempotent.
	StalenessThreshold time.Duration

	// Interval is how often the sweeper re-scans the processing list after
	// the initial startup sweep.
	Interval time.Duration
}

// DefaultSweeperConfig returns a SweeperConfig with reasonable defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		StalenessThreshold: 10 * time.Minute,
		Interval:           5 * time.Minute,
	}
}

// Sweeper returns tasks abandoned by crashed workers to the pending list.
// It runs once at process start and then on a fixed interval. Recovery is a
// crash-recovery action, not a handler failure, so the attempt counter is
// never touched.
type Sweeper struct {
	broker queue.Broker
	config SweeperConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a new recovery sweeper.
func NewSweeper(broker queue.Broker, config SweeperConfig, logger *slog.Logger) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.StalenessThreshold <= 0 {
		config.StalenessThreshold = defaults.StalenessThreshold
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		broker: broker,
		config: config,
		logger: logger.With("component", "recovery_sweeper"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunOnce scans the processing list and returns every task whose claim is
// older than the staleness threshold to the pending list. Returns the number
// of tasks recovered.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	leases, err := s.broker.ListProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing tasks: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	quarantined := 0

	for _, lease := range leases {
		// An undecodable element can never be acked or nacked; park it in
		// dead_letter unchanged for operator forensics instead of leaving it
		// stranded in processing.
		if lease.Task == nil {
			if err := s.broker.MoveLease(ctx, lease, queue.ListProcessing, queue.ListDeadLetter, nil); err != nil {
				if errors.Is(err, queue.ErrTaskNotFound) {
					continue
				}
				return recovered, fmt.Errorf("failed to quarantine undecodable element: %w", err)
			}
			quarantined++
			s.logger.Error("quarantined undecodable processing element")
			continue
		}

		// A zero ClaimedAt means the claim record was lost; recover eagerly
		// rather than risk stranding the task in processing forever.
		if !lease.ClaimedAt.IsZero() && now.Sub(lease.ClaimedAt) <= s.config.StalenessThreshold {
			continue
		}

		updated := *lease.Task
		updated.ClaimedAt = time.Time{}

		if err := s.broker.MoveLease(ctx, lease, queue.ListProcessing, queue.ListPending, &updated); err != nil {
			if errors.Is(err, queue.ErrTaskNotFound) {
				// The worker finished (or another sweep won) between the
				// scan and the move.
				continue
			}
			return recovered, fmt.Errorf("failed to recover stale task %s: %w", lease.Task.ID, err)
		}

		recovered++
		s.logger.Warn("recovered stale task",
			"task_id", lease.Task.ID,
			"claimed_at", lease.ClaimedAt,
			"attempt_count", lease.Task.AttemptCount)
	}

	if recovered > 0 || quarantined > 0 {
		s.logger.Info("recovery sweep finished",
			"recovered", recovered,
			"quarantined", quarantined,
			"scanned", len(leases))
	}
	return recovered, nil
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the periodic sweep loop and waits for it.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(s.ctx); err != nil {
				// Broker downtime is expected; the next tick retries.
				s.logger.Warn("recovery sweep failed", "error", err)
			}
		}
	}
}
