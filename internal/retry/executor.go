// Package retry runs transient-failure-prone calls against a fixed backoff
// schedule and hosts the exponential policy used for durable retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/metrics"
	"ordersync/internal/models"

	"github.com/rs/zerolog"
)

// ErrExhausted matches any error returned after the schedule ran out.
var ErrExhausted = errors.New("retries exhausted")

// MaxRetryAfter caps server-provided wait hints.
const MaxRetryAfter = models.MaxRetryAfterSeconds * time.Second

// DefaultSchedule is the wait before each retry after the first attempt.
var DefaultSchedule = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

type retryable interface {
	Retryable() bool
}

type retryAfter interface {
	RetryAfter() time.Duration
}

// ExhaustedError wraps the last error once all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// IsRetryable reports whether err declares itself transient. Errors that do
// not implement Retryable() are treated as fatal.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

type Executor struct {
	schedule []time.Duration
	logger   *zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExecutor(schedule []time.Duration, logger *zerolog.Logger) *Executor {
	if schedule == nil {
		schedule = DefaultSchedule
	}
	l := logger.With().Str("component", "retry").Logger()
	return &Executor{
		schedule: append([]time.Duration(nil), schedule...),
		logger:   &l,
		sleep:    sleepCtx,
	}
}

// WithSleep returns a copy of e that waits with sleep instead of a timer.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	cp := *e
	cp.sleep = sleep
	return &cp
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

// MaxAttempts is the first attempt plus one per schedule entry.
func (e *Executor) MaxAttempts() int {
	return len(e.schedule) + 1
}

func (e *Executor) delay(retryIndex int, err error) (time.Duration, string) {
	var ra retryAfter
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > 0 {
			if hint > MaxRetryAfter {
				hint = MaxRetryAfter
			}
			return hint, "retry_after"
		}
	}
	return e.schedule[retryIndex], "schedule"
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// the schedule is used up.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt > len(e.schedule) {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait, source := e.delay(attempt-1, err)
		metrics.IncRetry(source)
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("source", source).
			Msg("transient failure, retrying")

		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
