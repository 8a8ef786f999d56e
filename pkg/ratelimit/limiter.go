package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per key over a rolling window: a hit is allowed when
// fewer than limit allowed hits fall inside (now-window, now]. Refused hits
// are not recorded. now is supplied by the caller so windows follow ledger
// block time rather than the host clock.
type Limiter interface {
	Allow(key string, limit int, now time.Time) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

func (l *InMemoryLimiter) Window() time.Duration {
	return l.window
}

func (l *InMemoryLimiter) Allow(key string, limit int, now time.Time) Decision {
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	hits := l.hits[key]
	count := len(hits) + 1
	if count <= limit {
		hits = append(hits, now)
		l.hits[key] = hits
	}
	resetAt := now.Add(l.window)
	if len(hits) > 0 {
		resetAt = hits[0].Add(l.window)
	}
	return decide(count, limit, resetAt)
}

// cleanup drops hits that left the window. Hits are appended in call order,
// so a key's slice is trimmed from the front.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.window)
	for k, hits := range l.hits {
		i := 0
		for i < len(hits) && !hits[i].After(cutoff) {
			i++
		}
		if i == len(hits) {
			delete(l.hits, k)
			continue
		}
		l.hits[k] = hits[i:]
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
