package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// bucket is a token bucket that starts full.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// take removes n tokens, or reports how many seconds until n are available.
func (b *bucket) take(n int, now time.Time, rps float64, burst int) (wait int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := float64(burst)
	if b.last.IsZero() {
		b.tokens, b.last = capacity, now
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.tokens = math.Min(capacity, b.tokens+dt*rps)
		b.last = now
	}

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return 0, true
	}
	return int(math.Ceil((need - b.tokens) / rps)), false
}

// slots is a counting semaphore. A non-positive limit never blocks.
type slots struct {
	limit int64
	held  atomic.Int64
}

func (s *slots) acquire() Decision {
	if s.limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if s.held.Add(1) > s.limit {
		s.held.Add(-1)
		return denied(1)
	}
	var once sync.Once
	return Decision{Allowed: true, Permit: &Permit{release: func() {
		once.Do(func() { s.held.Add(-1) })
	}}}
}

func (s *slots) busy() bool { return s.held.Load() > 0 }
