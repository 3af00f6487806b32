// Package ratelimit enforces fixed-window request budgets keyed by scope.
// A scope's counter is created on first touch and replaced, not incremented,
// once its window has passed. Counters keep counting past the limit so every
// rejection reports an accurate retry-after.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LimitError reports an exceeded budget and when the window resets.
type LimitError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d per %s, retry in %s", e.Limit, e.Window, e.RetryAfter)
}

// RetryAfterSeconds rounds the remaining window up to whole seconds, never
// below one, suitable for a Retry-After header.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type counter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool
}

// Limiter tracks one counter per scope key. Each counter carries its own
// lock; the map lock is held only for lookup, insert, and the sweep.
type Limiter struct {
	mu       sync.RWMutex
	counters map[string]*counter

	now    func() time.Time
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a limiter and starts its background sweep, which drops
// counters whose window has passed. Pass sweepInterval <= 0 to disable the
// sweep (a stale counter is still replaced correctly on next touch).
func New(sweepInterval time.Duration, logger *slog.Logger) *Limiter {
	l := &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
		logger:   logger,
		done:     make(chan struct{}),
	}

	if sweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop(sweepInterval)
	}

	return l
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.done)
	l.wg.Wait()
}

// Enforce counts one event against the scope's window and returns a
// *LimitError once the count exceeds limit. The counter still increments on
// rejection. Concurrent calls on the same scope serialize on the counter's
// lock; no increment is lost.
func (l *Limiter) Enforce(scope string, limit int, window time.Duration) error {
	now := l.now()

	for {
		l.mu.RLock()
		c := l.counters[scope]
		l.mu.RUnlock()

		if c == nil {
			l.mu.Lock()
			c = l.counters[scope]
			if c == nil {
				c = &counter{}
				l.counters[scope] = c
			}
			l.mu.Unlock()
		}

		c.mu.Lock()
		if c.evicted {
			c.mu.Unlock()
			continue
		}

		if c.count == 0 || !now.Before(c.resetAt) {
			c.count = 1
			c.resetAt = now.Add(window)
		} else {
			c.count++
		}

		var err error
		if c.count > limit {
			err = &LimitError{
				Limit:      limit,
				Window:     window,
				RetryAfter: c.resetAt.Sub(now),
			}
		}
		c.mu.Unlock()
		return err
	}
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.sweep(l.now()); removed > 0 && l.logger != nil {
				l.logger.Debug("swept stale rate counters", slog.Int("removed", removed))
			}
		case <-l.done:
			return
		}
	}
}

// sweep removes counters whose window has passed and returns how many were
// dropped.
func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for scope, c := range l.counters {
		c.mu.Lock()
		if !now.Before(c.resetAt) {
			c.evicted = true
			delete(l.counters, scope)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}
