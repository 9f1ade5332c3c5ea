package fallback

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// clock is a controllable time source for rate limiter tests.
type clock struct {
	current time.Time
}

func (c *clock) now() time.Time {
	return c.current
}

func (c *clock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestRateLimiter(window time.Duration, cap int) (*RateLimiter, *clock) {
	c := &clock{current: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(window, cap, setupTestLogger())
	limiter.now = c.now
	return limiter, c
}

func TestRateLimiter_RejectsOverCap(t *testing.T) {
	limiter, _ := newTestRateLimiter(time.Hour, 3)

	assert.True(t, limiter.Allow("user-1"))
	assert.True(t, limiter.Allow("user-1"))
	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"), "fourth admission within the window must be rejected")
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	limiter, _ := newTestRateLimiter(time.Hour, 1)

	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))
	assert.True(t, limiter.Allow("user-2"), "one identity's cap must not affect another")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clock := newTestRateLimiter(time.Hour, 3)

	assert.True(t, limiter.Allow("user-1"))
	clock.advance(20 * time.Minute)
	assert.True(t, limiter.Allow("user-1"))
	clock.advance(20 * time.Minute)
	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))

	// The first admission leaves the rolling window; one slot frees up.
	clock.advance(21 * time.Minute)
	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))
}

func TestRateLimiter_RejectionRecordsNothing(t *testing.T) {
	limiter, clock := newTestRateLimiter(time.Hour, 1)

	assert.True(t, limiter.Allow("user-1"))

	// Hammering while capped must not extend the lockout.
	for i := 0; i < 10; i++ {
		clock.advance(time.Minute)
		assert.False(t, limiter.Allow("user-1"))
	}

	clock.advance(51 * time.Minute)
	assert.True(t, limiter.Allow("user-1"), "only admissions count against the window")
}

func TestRateLimiter_CleanupDropsIdleIdentities(t *testing.T) {
	limiter, clock := newTestRateLimiter(time.Hour, 3)

	assert.True(t, limiter.Allow("idle"))
	assert.True(t, limiter.Allow("active"))

	clock.advance(2 * time.Hour)
	assert.True(t, limiter.Allow("active"))

	limiter.Cleanup()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.entries, "idle")
	assert.Contains(t, limiter.entries, "active")
}
