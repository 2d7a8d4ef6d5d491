package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// IdempotentMethods lists HTTP methods that are safe to retry.
var IdempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// RetryConfig defines retry behaviour for backend calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, the first call included.
	// Values below 1 mean a single attempt.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	// BackoffMs is the delay before the first retry.
	BackoffMs int `json:"backoffMs" yaml:"backoffMs"`
	// MaxBackoffMs caps the delay between retries.
	MaxBackoffMs int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool `json:"jitter" yaml:"jitter"`
	// RetryOn lists status codes that trigger a retry. Empty selects the defaults.
	RetryOn []int `json:"retryOn" yaml:"retryOn"`
	// Unsafe allows retrying non-idempotent HTTP methods.
	Unsafe bool `json:"unsafe" yaml:"unsafe"`
}

var defaultRetryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// RetryPolicy decides whether and when an attempt is repeated.
type RetryPolicy struct {
	attempts   int
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
	statuses   map[int]bool
	unsafe     bool
}

// NewRetryPolicy normalizes cfg into a policy.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		attempts:   cfg.MaxAttempts,
		initial:    time.Duration(cfg.BackoffMs) * time.Millisecond,
		max:        time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		statuses:   defaultRetryableStatus,
		unsafe:     cfg.Unsafe,
	}
	if p.attempts < 1 {
		p.attempts = 1
	}
	if p.initial <= 0 {
		p.initial = 100 * time.Millisecond
	}
	if p.max <= 0 {
		p.max = 5 * time.Second
	}
	if p.multiplier <= 0 {
		p.multiplier = 2
	}
	if len(cfg.RetryOn) > 0 {
		p.statuses = make(map[int]bool, len(cfg.RetryOn))
		for _, code := range cfg.RetryOn {
			p.statuses[code] = true
		}
	}
	return p
}

// Attempts returns the total number of attempts the policy allows.
func (p *RetryPolicy) Attempts() int {
	return p.attempts
}

// ShouldRetry reports whether attempt (zero based) may be followed by another.
// A nil err with a zero status counts as success.
func (p *RetryPolicy) ShouldRetry(method string, status int, err error, attempt int) bool {
	if attempt+1 >= p.attempts {
		return false
	}
	if method != "" && !p.unsafe && !IdempotentMethods[method] {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if err != nil {
		return true
	}
	return p.statuses[status]
}

// Backoff returns the delay before the retry following attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(p.initial) * math.Pow(p.multiplier, float64(attempt)))
	if backoff > p.max {
		backoff = p.max
	}
	if p.jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds or the policy gives up. fn returns the status
// of the attempt (zero when not applicable) and its error. Do returns the
// number of retries performed and the error of the final attempt; a final
// attempt that failed only by status yields a nil error so the caller can
// inspect the response.
func (p *RetryPolicy) Do(ctx context.Context, method string, fn func(ctx context.Context) (int, error)) (int, error) {
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		status, err := fn(ctx)
		if err == nil && !p.statuses[status] {
			return attempt, nil
		}
		if !p.ShouldRetry(method, status, err, attempt) {
			if err != nil && attempt > 0 {
				return attempt, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
			}
			return attempt, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
