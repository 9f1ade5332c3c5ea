package fallback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Errors returned by Admit. Both are retriable from the caller's point of
// view: the condition clears as the window slides or permits free up.
var (
	// ErrRateLimited indicates the identity exhausted its admissions for the
	// current window.
	ErrRateLimited = errors.New("fallback: rate limit exceeded")

	// ErrTooManyInFlight indicates the concurrency cap is saturated.
	ErrTooManyInFlight = errors.New("fallback: too many executions in flight")
)

// Config holds the admission-control settings for degraded mode.
type Config struct {
	// RateWindow is the rolling window for per-identity admission counting.
	RateWindow time.Duration

	// RateCap is the maximum admissions per identity within the window.
	RateCap int

	// ConcurrencyCap bounds simultaneous direct executions.
	ConcurrencyCap int

	// CleanupInterval is how often idle identities are purged from the rate
	// limiter's map. Zero selects a default of one RateWindow.
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with the conservative degraded-mode
// defaults: 3 admissions per identity per rolling hour, 3 concurrent
// executions.
func DefaultConfig() Config {
	return Config{
		RateWindow:     time.Hour,
		RateCap:        3,
		ConcurrencyCap: 3,
	}
}

// Limiter combines the sliding-window rate limiter and the concurrency gate
// into the single admission decision the caller-facing layer consults while
// the broker is down.
type Limiter struct {
	rate   *RateLimiter
	gate   *Gate
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLimiter creates a Limiter and starts its periodic cleanup pass.
func NewLimiter(config Config, logger *slog.Logger) *Limiter {
	defaults := DefaultConfig()
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.RateCap <= 0 {
		config.RateCap = defaults.RateCap
	}
	if config.ConcurrencyCap <= 0 {
		config.ConcurrencyCap = defaults.ConcurrencyCap
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.RateWindow
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Limiter{
		rate:   NewRateLimiter(config.RateWindow, config.RateCap, logger),
		gate:   NewGate(config.ConcurrencyCap),
		logger: logger.With("component", "fallback_limiter"),
		ctx:    ctx,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.cleanupLoop(config.CleanupInterval)

	return l
}

// Admit decides whether a direct execution for the identity may proceed.
// On success the returned release function must be called exactly once when
// the execution finishes, typically via defer. The rate check runs first so
// a rejected caller does not consume a concurrency permit.
func (l *Limiter) Admit(identity string) (release func(), err error) {
	if !l.rate.Allow(identity) {
		return nil, ErrRateLimited
	}

	release, ok := l.gate.TryAcquire()
	if !ok {
		l.logger.Warn("admission rejected by concurrency cap", "identity", identity)
		return nil, ErrTooManyInFlight
	}

	return release, nil
}

// Close stops the cleanup pass.
func (l *Limiter) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.rate.Cleanup()
		}
	}
}
