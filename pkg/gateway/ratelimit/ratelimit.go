// Package ratelimit keeps per-principal budgets for the gateway: a token
// bucket for relay ingress, a request concurrency cap and a cap on open
// subscriber streams. State is in memory and single-process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Config struct {
	// Token bucket shared by every request a principal makes. Catch-up
	// batches are charged one token per replayed event.
	RPS   float64
	Burst int

	MaxConcurrentRequests    int
	MaxConcurrentSubscribers int

	// Bounds on the principal table.
	MaxEntries int
	EntryTTL   time.Duration
}

func (c Config) bucketEnabled() bool { return c.RPS > 0 && c.Burst > 0 }

// Limiter holds per-principal request and subscriber budgets.
type Limiter struct {
	cfg   Config
	table *table
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, table: newTable(cfg)}
}

// Permit is a held concurrency slot. Release is idempotent.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds
	Permit     *Permit
}

func denied(retryAfter int) Decision {
	return Decision{Allowed: false, RetryAfter: max(1, retryAfter)}
}

// AcquireRequest spends one token and takes a request slot.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	st := l.table.get(principal, now)
	if l.cfg.bucketEnabled() {
		if wait, ok := st.bucket.take(1, now, l.cfg.RPS, l.cfg.Burst); !ok {
			return denied(wait)
		}
	}
	return st.requests.acquire()
}

// Charge spends extra tokens for work whose size is only known after the
// request was admitted, such as the events of a catch-up batch. No slot is
// taken. A charge larger than the burst is clamped to the burst.
func (l *Limiter) Charge(principal string, tokens int, now time.Time) Decision {
	if tokens <= 0 || !l.cfg.bucketEnabled() {
		return Decision{Allowed: true}
	}
	st := l.table.get(principal, now)
	if wait, ok := st.bucket.take(min(tokens, l.cfg.Burst), now, l.cfg.RPS, l.cfg.Burst); !ok {
		return denied(wait)
	}
	return Decision{Allowed: true}
}

// AcquireSubscriber takes one of the principal's subscriber stream slots.
// The permit must be released when the subscriber disconnects.
func (l *Limiter) AcquireSubscriber(principal string, now time.Time) Decision {
	return l.table.get(principal, now).subscribers.acquire()
}

// Len reports the number of tracked principals.
func (l *Limiter) Len() int { return l.table.len() }

func PrincipalKeyFromAPIKey(apiKey string) string { return "k_" + digest(apiKey) }

func PrincipalKeyFromIP(ip string) string { return "ip_" + digest(ip) }

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
