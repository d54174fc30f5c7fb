package broker

import (
	"context"
	"sync"
	"time"
)

// Limiter defaults for serve-broker.
const (
	DefaultMaxFailures   = 20
	DefaultFailureWindow = time.Minute
	DefaultBlockDuration = 5 * time.Minute
)

type failureRecord struct {
	count   int
	resetAt time.Time
}

func (r failureRecord) expired(now time.Time) bool {
	return !now.Before(r.resetAt)
}

// Limiter blocks clients whose fetches keep failing, so the broker cannot
// be used to probe arbitrary hosts. Failures are counted per client in a
// window; reaching the maximum blocks the client until the block expires.
type Limiter struct {
	mu          sync.RWMutex
	records     map[string]failureRecord
	maxFailures int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

// NewLimiter returns a limiter. Non-positive values take the defaults.
func NewLimiter(maxFailures int, window, block time.Duration) *Limiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	if block <= 0 {
		block = DefaultBlockDuration
	}
	return &Limiter{
		records:     make(map[string]failureRecord),
		maxFailures: maxFailures,
		window:      window,
		block:       block,
		now:         time.Now,
	}
}

// Allow reports whether client may fetch, and how long it remains blocked
// when it may not.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	l.mu.RLock()
	rec, ok := l.records[client]
	l.mu.RUnlock()

	now := l.now()
	if !ok || rec.expired(now) {
		return true, 0
	}
	if rec.count >= l.maxFailures {
		return false, rec.resetAt.Sub(now)
	}
	return true, 0
}

// RecordFailure counts a failed fetch for client.
func (l *Limiter) RecordFailure(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[client]
	if !ok || rec.expired(now) {
		l.records[client] = failureRecord{count: 1, resetAt: now.Add(l.window)}
		return
	}

	rec.count++
	if rec.count == l.maxFailures {
		rec.resetAt = now.Add(l.block)
	}
	l.records[client] = rec
}

// Reset forgets client's failures after a successful fetch.
func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	delete(l.records, client)
	l.mu.Unlock()
}

// Cleanup removes expired records and returns how many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, rec := range l.records {
		if rec.expired(now) {
			delete(l.records, client)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (l *Limiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Count returns the number of tracked clients.
func (l *Limiter) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
