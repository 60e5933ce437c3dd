// Package poll provides a bounded retry-with-timeout combinator for
// asynchronous waits such as CAPTCHA results, email links and page stalls.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when the overall timeout elapses before the condition is met.
	ErrTimeout = errors.New("poll: timed out")
	// ErrAttemptsExhausted is returned when MaxAttempts checks ran without success.
	ErrAttemptsExhausted = errors.New("poll: attempts exhausted")
)

// Clock abstracts time so tests can drive timeouts deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Options bounds a poll loop. At least one of Timeout and MaxAttempts must be set.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	// Retryable lets a check error continue the loop instead of ending it.
	Retryable func(error) bool
	Clock     Clock
}

// Check runs once per attempt. It returns done=true when the value is ready.
type Check[T any] func(ctx context.Context, attempt int) (value T, done bool, err error)

// Until calls check until it reports done, returns a non-retryable error,
// the timeout elapses or the attempts run out. The timeout and attempt
// errors wrap the last retryable check error, if any.
func Until[T any](ctx context.Context, opts Options, check Check[T]) (T, error) {
	var zero T
	if opts.Timeout <= 0 && opts.MaxAttempts <= 0 {
		return zero, errors.New("poll: timeout or max attempts required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = clock.Now().Add(opts.Timeout)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, done, err := check(ctx, attempt)
		switch {
		case err != nil && (opts.Retryable == nil || !opts.Retryable(err)):
			return zero, err
		case err != nil:
			lastErr = err
		case done:
			return value, nil
		}

		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return zero, wrapLast(ErrAttemptsExhausted, lastErr)
		}

		wait := opts.Interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(clock.Now())
			if remaining <= 0 {
				return zero, wrapLast(ErrTimeout, lastErr)
			}
			if wait > remaining {
				wait = remaining
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clock.After(wait):
		}

		if !deadline.IsZero() && !clock.Now().Before(deadline) {
			return zero, wrapLast(ErrTimeout, lastErr)
		}
	}
}

func wrapLast(sentinel, last error) error {
	if last == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, last)
}
