package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend failed")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg)
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{MaxFailures: 2, OpenMs: 1000})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{MaxFailures: 1, OpenMs: 1000})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(1500 * time.Millisecond)
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(1500 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb, now := newTestBreaker(BreakerConfig{MaxFailures: 1, OpenMs: 10})
	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, fail))
	*now = now.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
}

func TestCircuitBreakerDisabledAndReset(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{})
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 10, cb.Stats().Failures)

	tripped, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
	_ = tripped.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, tripped.State())
	tripped.Reset()
	assert.Equal(t, StateClosed, tripped.State())
}

func TestBreakerSetSharesPerTarget(t *testing.T) {
	set := NewBreakerSet()
	a := set.Get("users:80", BreakerConfig{MaxFailures: 1})
	assert.Same(t, a, set.Get("users:80", BreakerConfig{MaxFailures: 5}))
	b := set.Get("orders:80", BreakerConfig{MaxFailures: 1})
	assert.NotSame(t, a, b)

	_ = a.Execute(context.Background(), fail)

	stats := set.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "orders:80", stats[0].Target)
	assert.Equal(t, string(StateClosed), stats[0].State)
	assert.Equal(t, "users:80", stats[1].Target)
	assert.Equal(t, string(StateOpen), stats[1].State)
}
