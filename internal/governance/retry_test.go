package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) *RetryPolicy {
	return NewRetryPolicy(RetryConfig{MaxAttempts: attempts, BackoffMs: 1, MaxBackoffMs: 2})
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, 1, p.Attempts())
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 5*time.Second, p.Backoff(20))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})

	assert.True(t, p.ShouldRetry(http.MethodGet, http.StatusServiceUnavailable, nil, 0))
	assert.False(t, p.ShouldRetry(http.MethodGet, http.StatusInternalServerError, nil, 0))
	assert.False(t, p.ShouldRetry(http.MethodPost, http.StatusServiceUnavailable, nil, 0))
	assert.True(t, p.ShouldRetry("", 0, errors.New("dial"), 1))
	assert.False(t, p.ShouldRetry(http.MethodGet, 0, errors.New("dial"), 2))
	assert.False(t, p.ShouldRetry(http.MethodGet, 0, context.Canceled, 0))
	assert.False(t, p.ShouldRetry(http.MethodGet, 0, ErrCircuitOpen, 0))

	custom := NewRetryPolicy(RetryConfig{MaxAttempts: 2, RetryOn: []int{500}, Unsafe: true})
	assert.True(t, custom.ShouldRetry(http.MethodPost, 500, nil, 0))
	assert.False(t, custom.ShouldRetry(http.MethodPost, 503, nil, 0))
}

func TestRetryPolicyDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	retries, err := fastRetry(4).Do(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return http.StatusBadGateway, nil
		}
		return http.StatusOK, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoExhaustsOnErrors(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	retries, err := fastRetry(3).Do(context.Background(), "", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoLeavesFinalStatusToCaller(t *testing.T) {
	retries, err := fastRetry(2).Do(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		return http.StatusServiceUnavailable, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, retries)
}

func TestRetryPolicyDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5, BackoffMs: 10_000})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Do(ctx, http.MethodGet, func(context.Context) (int, error) {
		return http.StatusServiceUnavailable, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryBackoffJitterBounds(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2, BackoffMs: 100, Jitter: true})
	for i := 0; i < 50; i++ {
		d := p.Backoff(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}
