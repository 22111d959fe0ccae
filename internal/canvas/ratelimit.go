package canvas

import (
	"sync"
	"time"
)

const rateLimiterSweepSize = 4096

// RateLimiter enforces a minimum interval between accepted requests per user.
// State is process-local and lost on restart.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time
}

// NewRateLimiter constructs a limiter with the provided minimum interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		last:     make(map[int64]time.Time),
	}
}

// Allow records now for userID and returns true when the previous accepted request is old enough.
// Rejected calls leave the recorded timestamp untouched.
func (l *RateLimiter) Allow(userID int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if previous, ok := l.last[userID]; ok && now.Sub(previous) < l.interval {
		return false
	}
	if len(l.last) >= rateLimiterSweepSize {
		l.sweep(now)
	}
	l.last[userID] = now
	return true
}

func (l *RateLimiter) sweep(now time.Time) {
	for userID, previous := range l.last {
		if now.Sub(previous) >= l.interval {
			delete(l.last, userID)
		}
	}
}
