package fallback

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimiter admits at most cap events per identity within a rolling
// window. Timestamps are held in a mutex-guarded map; expired entries are
// purged lazily on each check and periodically by a cleanup pass so the map
// does not grow without bound.
type RateLimiter struct {
	window time.Duration
	cap    int
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a sliding-window rate limiter.
func NewRateLimiter(window time.Duration, cap int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		window:  window,
		cap:     cap,
		logger:  logger.With("component", "fallback_rate_limiter"),
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow checks whether the identity may be admitted. On admission the
// current timestamp is recorded; on rejection no state changes.
func (l *RateLimiter) Allow(identity string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.entries[identity], cutoff)

	if len(recent) >= l.cap {
		l.entries[identity] = recent
		l.logger.Warn("admission rejected by rate limit",
			"identity", identity,
			"recent", len(recent),
			"cap", l.cap)
		return false
	}

	l.entries[identity] = append(recent, now)
	return true
}

// Cleanup drops identities whose every recorded timestamp has left the
// window. Called periodically (see Limiter) to bound memory growth from
// identities that stop submitting.
func (l *RateLimiter) Cleanup() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, stamps := range l.entries {
		recent := prune(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.entries, identity)
			continue
		}
		l.entries[identity] = recent
	}
}

// prune returns the timestamps at or after the cutoff. Timestamps are
// appended in order, so the first retained index splits the slice.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}
