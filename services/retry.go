package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"cloudfetch/api"
)

// RetryOptions controls one Execute invocation. The zero value of optional
// fields falls back to sane defaults; MaxRetries of 0 means a single attempt.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds the whole invocation including backoff sleeps. If the
	// next backoff would overrun it, Execute fails immediately instead of
	// sleeping. Zero means unbounded.
	Timeout time.Duration
	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to api.IsRetryable.
	ShouldRetry func(error) bool
	// OnRetry is invoked before each backoff sleep. Its errors are logged
	// and swallowed; they never abort the retry loop.
	OnRetry func(attempt int, err error) error
	Logger  *zap.Logger
}

// Execute runs op with bounded retries and capped exponential backoff.
// It keeps no state across invocations and is safe for concurrent use.
func Execute(ctx context.Context, opts RetryOptions, op func(context.Context) error) error {
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = api.IsRetryable
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= opts.MaxRetries || !shouldRetry(lastErr) {
			break
		}

		delay := jitter(backoffDelay(attempt, baseDelay, opts.MaxDelay))
		if opts.Timeout > 0 && time.Since(start)+delay > opts.Timeout {
			return fmt.Errorf("retry timeout after %d attempts: %w", attempt+1, lastErr)
		}

		if opts.OnRetry != nil {
			if err := opts.OnRetry(attempt, lastErr); err != nil {
				logger.Warn("onRetry hook failed", zap.Int("attempt", attempt), zap.Error(err))
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// backoffDelay computes the capped exponential delay for an attempt, before
// jitter is applied.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// jitter spreads a delay by ±10% to avoid retry stampedes.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * factor)
}
