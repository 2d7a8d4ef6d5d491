package static

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
)

func TestStaticReplaysResponse(t *testing.T) {
	src, err := Factory(runtime.SourceConfig{Name: "fixture", Raw: map[string]any{
		"headers": map[string]any{"x-fixture": "1"},
		"body":    map[string]any{"items": []any{"a", "b"}},
	}})
	require.NoError(t, err)

	ec := runtime.NewExecutionContext(runtime.Request{Method: "GET", Path: "/x"})
	require.NoError(t, src.Prepare(context.Background(), ec))
	assert.True(t, src.ShouldRun(ec))

	res, err := src.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixture", res.Name)
	assert.Equal(t, "1", res.Response.Headers["x-fixture"])
	assert.Equal(t, map[string]any{"items": []any{"a", "b"}}, res.Response.Body)
}

func TestStaticDelayHonoursCancellation(t *testing.T) {
	src, err := Factory(runtime.SourceConfig{Name: "slow", Raw: map[string]any{"delay": "1h"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Execute(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaticFailure(t *testing.T) {
	src, err := Factory(runtime.SourceConfig{Name: "broken", Raw: map[string]any{"fail": "backend down", "delay": 1}})
	require.NoError(t, err)

	_, err = src.Execute(context.Background())
	assert.ErrorIs(t, err, ErrStaticFailure)
	assert.ErrorContains(t, err, "backend down")
}

func TestStaticRejectsUnknownFields(t *testing.T) {
	_, err := Factory(runtime.SourceConfig{Name: "x", Raw: map[string]any{"bdy": 1}})
	assert.Error(t, err)
}
