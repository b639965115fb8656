package resources

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter aligned to multiples of the window
// length. Burst capacity is only granted to a window whose predecessor did
// not burst, so sustained traffic settles back to the steady limit.
type RateLimiter struct {
	mu  sync.Mutex
	cfg RateLimitConfig

	windowStart time.Time
	count       int
	prevBurst   bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg}
}

// Allow counts one call at now. When the window is full it returns false and
// the time until the window resets.
func (l *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	if l == nil || l.cfg.DefaultLimit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.cfg.Window)
	if !start.Equal(l.windowStart) {
		burst := l.count > l.cfg.DefaultLimit
		// Only the immediately preceding window counts.
		l.prevBurst = burst && start.Sub(l.windowStart) == l.cfg.Window
		l.windowStart = start
		l.count = 0
	}

	if l.count >= l.ceiling() {
		return false, l.windowStart.Add(l.cfg.Window).Sub(now)
	}
	l.count++
	return true, 0
}

func (l *RateLimiter) ceiling() int {
	if l.prevBurst || l.cfg.BurstMultiplier <= 1 {
		return l.cfg.DefaultLimit
	}
	return int(math.Floor(float64(l.cfg.DefaultLimit) * l.cfg.BurstMultiplier))
}
