// Package resilience wraps outbound provider calls with retry and circuit
// breaking. Only transient failures are retried; a lead-level rejection from
// the provider is a real outcome and must surface immediately.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff is an exponential backoff policy with jitter. The zero value is
// usable; unset fields take the defaults below.
type Backoff struct {
	// Attempts is the total number of tries including the first. Default 3.
	Attempts int
	// Initial is the delay before the first retry. Default 500ms.
	Initial time.Duration
	// Max caps the delay between retries. Default 30s.
	Max time.Duration
	// Factor scales the delay after each retry. Default 2.
	Factor float64
	// Jitter widens each delay by a random fraction in [-Jitter, +Jitter].
	// Default 0.25.
	Jitter float64
	// Retryable overrides the transient check. Default IsTransient.
	Retryable func(error) bool
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 3
	}
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Retryable == nil {
		b.Retryable = IsTransient
	}
	return b
}

func (b Backoff) delay(retry int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Factor, float64(retry))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, exhausts the attempt budget, returns a
// non-retryable error, or the context is cancelled. op names the call in
// retry logs.
func Retry(ctx context.Context, b Backoff, op string, fn func(ctx context.Context) error) error {
	_, err := RetryVal(ctx, b, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryVal is Retry for calls that return a value.
func RetryVal[T any](ctx context.Context, b Backoff, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b = b.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !b.Retryable(err) {
			return zero, lastErr
		}
		if attempt == b.Attempts-1 {
			break
		}

		zap.L().Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}
