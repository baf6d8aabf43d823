// Package ratelimit provides a sliding-window request gate used to wrap cloud
// provider calls. The limiter is advisory and local: it never sleeps, callers
// receive an error with the remaining wait and decide for themselves.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limiter is a named sliding-window rate limiter.
type Limiter struct {
	name        string
	maxRequests int
	window      time.Duration

	mu         sync.Mutex
	timestamps []time.Time
	now        func() time.Time // test seam
}

// New creates a limiter that allows maxRequests per window.
func New(name string, maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		name:        name,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Throttle records the current request after pruning entries older than the
// window. If the window is already at capacity it returns an error naming the
// limiter and the seconds remaining until a slot frees up.
func (l *Limiter) Throttle() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept

	if len(l.timestamps) >= l.maxRequests {
		oldest := l.timestamps[0]
		wait := l.window - now.Sub(oldest)
		return fmt.Errorf("rate limit exceeded for %s: %d requests per %v, retry in %.1fs",
			l.name, l.maxRequests, l.window, wait.Seconds())
	}

	l.timestamps = append(l.timestamps, now)
	return nil
}

// Remaining reports how many requests are currently available in the window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			active++
		}
	}
	if active >= l.maxRequests {
		return 0
	}
	return l.maxRequests - active
}

// Name returns the limiter's name.
func (l *Limiter) Name() string {
	return l.name
}
