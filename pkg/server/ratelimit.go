package server

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window connection attempt tracker keyed by source address
type RateLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewRateLimiter allows up to threshold attempts per address within window
func NewRateLimiter(threshold int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:  make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Allow records an attempt from addr and reports whether it may proceed.
// Rejected attempts are recorded too, so an address that keeps retrying stays blocked.
func (l *RateLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	history := l.prune(append(l.attempts[addr], now), now)

	// Only the newest threshold+1 entries can change the outcome
	if len(history) > l.threshold+1 {
		history = append([]time.Time(nil), history[len(history)-l.threshold-1:]...)
	}
	l.attempts[addr] = history

	return len(history) <= l.threshold
}

// prune returns the entries of history that are still inside the window
func (l *RateLimiter) prune(history []time.Time, now time.Time) []time.Time {
	kept := make([]time.Time, 0, len(history))
	for _, t := range history {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Forget clears the history of addr (operator pardon, successful admission)
func (l *RateLimiter) Forget(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.attempts[addr]
	delete(l.attempts, addr)
	return ok
}

// Attempts returns the number of attempts from addr inside the window
func (l *RateLimiter) Attempts(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(l.attempts[addr], l.now()))
}

// Prune drops addresses whose attempts have all left the window and returns how many
func (l *RateLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for addr, history := range l.attempts {
		kept := l.prune(history, now)
		if len(kept) == 0 {
			delete(l.attempts, addr)
			removed++
			continue
		}
		l.attempts[addr] = kept
	}
	return removed
}
