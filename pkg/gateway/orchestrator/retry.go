package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig tunes both retry layers.
type RetryConfig struct {
	ExchangeAttempts int
	ExchangeSettle   time.Duration
	ExchangeBase     time.Duration
	ExchangeFactor   float64
	RecreateSettle   time.Duration

	ConnectRetries int
	ConnectBase    time.Duration
	ConnectCap     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		ExchangeAttempts: 4,
		ExchangeSettle:   500 * time.Millisecond,
		ExchangeBase:     time.Second,
		ExchangeFactor:   1.5,
		RecreateSettle:   900 * time.Millisecond,
		ConnectRetries:   3,
		ConnectBase:      time.Second,
		ConnectCap:       8 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.ExchangeAttempts <= 0 {
		c.ExchangeAttempts = def.ExchangeAttempts
	}
	if c.ExchangeSettle < 0 {
		c.ExchangeSettle = 0
	}
	if c.ExchangeBase <= 0 {
		c.ExchangeBase = def.ExchangeBase
	}
	if c.ExchangeFactor < 1 {
		c.ExchangeFactor = def.ExchangeFactor
	}
	if c.RecreateSettle <= 0 {
		c.RecreateSettle = def.RecreateSettle
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.ConnectBase <= 0 {
		c.ConnectBase = def.ConnectBase
	}
	if c.ConnectCap <= 0 {
		c.ConnectCap = def.ConnectCap
	}
	return c
}

// exchangeBackoff yields base*factor^(n-1) between attempts. A pending
// override replaces the next delay once; session recreation uses it.
type exchangeBackoff struct {
	mu       sync.Mutex
	retries  int
	max      int
	base     time.Duration
	factor   float64
	override time.Duration
}

func (b *exchangeBackoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries++
	if b.retries >= b.max {
		return 0, true
	}
	if b.override > 0 {
		d := b.override
		b.override = 0
		return d, false
	}
	return time.Duration(float64(b.base) * math.Pow(b.factor, float64(b.retries-1))), false
}

func (b *exchangeBackoff) overrideNext(d time.Duration) {
	b.mu.Lock()
	b.override = d
	b.mu.Unlock()
}

// withExchangeRetry waits settle, then runs fn up to ExchangeAttempts times.
// recreate is invoked when fn fails because the session is gone; its error
// aborts the loop.
func withExchangeRetry(ctx context.Context, cfg RetryConfig, settle time.Duration, fn func(ctx context.Context) error, recreate func(ctx context.Context) error) error {
	if settle > 0 {
		if err := sleepCtx(ctx, settle); err != nil {
			return err
		}
	}
	b := &exchangeBackoff{max: cfg.ExchangeAttempts, base: cfg.ExchangeBase, factor: cfg.ExchangeFactor}
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		switch classifyExchange(err) {
		case verdictRetry:
			return retry.RetryableError(err)
		case verdictRecreate:
			if recreate == nil {
				return err
			}
			if rerr := recreate(ctx); rerr != nil {
				return rerr
			}
			b.overrideNext(cfg.RecreateSettle)
			return retry.RetryableError(err)
		default:
			return err
		}
	})
}

// connectBackoff is 1s*2^(n-1) capped, limited to ConnectRetries retries.
func connectBackoff(cfg RetryConfig) retry.Backoff {
	b := retry.NewExponential(cfg.ConnectBase)
	b = retry.WithCappedDuration(cfg.ConnectCap, b)
	return retry.WithMaxRetries(uint64(cfg.ConnectRetries), b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
