// Package policy implements the send-time policy chain: block/allow lookup,
// sliding-window rate limits, and reputation scoring, applied in that order
// at send time and at federation ingress.
package policy

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a sliding-window request cap per key. Two implementations
// exist: an in-memory one (default) and a Redis-backed one for multi-instance
// deployments; both satisfy this interface so the policy chain doesn't care
// which is wired in.
type Limiter interface {
	// Allow reports whether one more request under key is permitted given
	// limit requests per window, recording the request if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// RetryAfter returns how long the caller should wait before the next
	// request under key would be allowed again, assuming the bucket is
	// currently full.
	RetryAfter(ctx context.Context, key string, window time.Duration) (time.Duration, error)
}

// windowEntry tracks one key's request timestamps inside the window.
type windowEntry struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// MemoryLimiter is an in-process sliding-window limiter backed by a map of
// per-key timestamp lists, keyed by arbitrary strings (sender address,
// recipient address, client IP, peer relay domain).
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	stopCh  chan struct{}
}

// NewMemoryLimiter creates a MemoryLimiter and starts its periodic cleanup
// goroutine, which prunes keys with no timestamps left in the window so
// idle senders don't leak memory forever.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		entries: make(map[string]*windowEntry),
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the cleanup goroutine.
func (l *MemoryLimiter) Close() {
	close(l.stopCh)
}

func (l *MemoryLimiter) entry(key string) *windowEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &windowEntry{}
		l.entries[key] = e
	}
	return e
}

// Allow prunes timestamps older than window, then admits the request if
// fewer than limit remain. A limit of 0 always rejects (the "blocked" tier).
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	e.timestamps = pruneBefore(e.timestamps, cutoff)

	if len(e.timestamps) >= limit {
		return false, nil
	}
	e.timestamps = append(e.timestamps, now)
	return true, nil
}

// RetryAfter returns the time until the oldest timestamp in key's window
// expires, i.e. when the bucket next has room.
func (l *MemoryLimiter) RetryAfter(_ context.Context, key string, window time.Duration) (time.Duration, error) {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.timestamps) == 0 {
		return 0, nil
	}
	oldest := e.timestamps[0]
	d := oldest.Add(window).Sub(time.Now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[i:]...)
}

// cleanup runs every minute, dropping keys whose timestamp list has drained
// to empty so the entries map doesn't grow unbounded across the lifetime of
// the process.
func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for key, e := range l.entries {
				e.mu.Lock()
				e.timestamps = pruneBefore(e.timestamps, cutoff)
				empty := len(e.timestamps) == 0
				e.mu.Unlock()
				if empty {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
