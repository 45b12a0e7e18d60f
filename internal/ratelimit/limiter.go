// Package ratelimit enforces the vendor's per-window request quota across
// every process that shares the window store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/metrics"

	"github.com/rs/zerolog"
)

// Decision is the outcome of one Acquire call. Wait is set when the call
// was denied and holds the time left until the current window ends.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Count   int64
}

type Limiter struct {
	store       domain.WindowStore
	maxRequests int64
	windowSecs  int64
	prefix      string
	logger      *zerolog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(store domain.WindowStore, cfg config.RateLimitConfig, logger *zerolog.Logger) *Limiter {
	windowSecs := int64(cfg.Window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	l := logger.With().Str("component", "ratelimit").Logger()
	return &Limiter{
		store:       store,
		maxRequests: int64(cfg.MaxRequests),
		windowSecs:  windowSecs,
		prefix:      cfg.KeyPrefix,
		logger:      &l,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// window returns the store key and wall-clock end of the window holding now.
func (l *Limiter) window(now time.Time) (string, time.Time) {
	idx := now.Unix() / l.windowSecs
	end := time.Unix((idx+1)*l.windowSecs, 0)
	return fmt.Sprintf("%s:%d", l.prefix, idx), end
}

// Acquire counts one request against the current window.
func (l *Limiter) Acquire(ctx context.Context) (Decision, error) {
	now := l.now()
	key, end := l.window(now)
	remaining := end.Sub(now)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}

	count, err := l.store.Incr(ctx, key, remaining)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit window %s: %w", key, err)
	}

	if count <= l.maxRequests {
		return Decision{Allowed: true, Count: count}, nil
	}
	return Decision{Allowed: false, Wait: remaining, Count: count}, nil
}

// Wait blocks until a request is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}

		metrics.IncRateLimitWait()
		l.logger.Debug().Dur("wait", d.Wait).Int64("count", d.Count).Msg("rate limit reached, waiting for next window")
		if err := l.sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

// Reset clears the current window.
func (l *Limiter) Reset(ctx context.Context) error {
	key, _ := l.window(l.now())
	return l.store.Reset(ctx, key)
}
