package http_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmhttp "github.com/bkyoung/llmflow/internal/adapter/llm/http"
)

func fastRetry(attempts int) llmhttp.RetryConfig {
	return llmhttp.RetryConfig{MaxAttempts: attempts, Wait: time.Millisecond}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := llmhttp.DefaultRetryConfig()
	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.Wait)
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	attempts, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, fastRetry(3), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	attempts, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastRetry(3), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	attempts, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, fastRetry(3), nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryInvokesRateLimitHook(t *testing.T) {
	var waits []time.Duration
	calls := 0
	attempts, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("token rate limit; try again in 2s")
		}
		return nil
	}, fastRetry(3), func(wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, waits)
}

func TestRetryHookSeesEveryRateLimit(t *testing.T) {
	hookCalls := 0
	_, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		return llmhttp.NewRateLimitError("openai", "slow down", time.Second)
	}, fastRetry(3), func(time.Duration) {
		hookCalls++
	})

	assert.Error(t, err)
	assert.Equal(t, 3, hookCalls)
}

func TestRetryOtherErrorsSkipHook(t *testing.T) {
	hookCalls := 0
	_, err := llmhttp.Retry(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}, fastRetry(2), func(time.Duration) {
		hookCalls++
	})

	assert.Error(t, err)
	assert.Equal(t, 0, hookCalls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := llmhttp.Retry(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	}, llmhttp.RetryConfig{MaxAttempts: 5, Wait: 10 * time.Second}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
