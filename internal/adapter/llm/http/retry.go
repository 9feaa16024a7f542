package http

import (
	"context"
	"time"
)

// RetryConfig holds configuration for the fixed-attempt retry policy.
type RetryConfig struct {
	MaxAttempts int
	Wait        time.Duration
}

// DefaultRetryConfig returns the default retry policy: three attempts with a
// fixed one-second wait between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Wait:        1 * time.Second,
	}
}

// Operation is a function that can be retried.
type Operation func(ctx context.Context) error

// RateLimitHook is invoked once per rate-limited attempt with the
// provider-mandated wait, before the policy sleeps for its fixed interval.
type RateLimitHook func(wait time.Duration)

// Retry executes an operation under the fixed-attempt policy. Every failure
// consumes an attempt; rate-limit failures additionally invoke onRateLimit so
// the limiter observes each pushback signal. It returns the number of
// attempts made (1-based) alongside the final error, nil on success.
func Retry(ctx context.Context, operation Operation, config RetryConfig, onRateLimit RateLimitHook) (int, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := operation(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsRateLimit(err) && onRateLimit != nil {
			onRateLimit(RateLimitWait(err))
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-time.After(config.Wait):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}

	return config.MaxAttempts, lastErr
}
