package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleModule = `package validate

errors contains msg if {
	not input.input.request.params.id
	msg := "id is required"
}

errors contains msg if {
	input.input.request.params.limit > 100
	msg := "limit must not exceed 100"
}
`

func params(p map[string]any) map[string]any {
	return map[string]any{"input": map[string]any{"request": map[string]any{"params": p}}}
}

func TestEvaluateMessages(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{"rules.rego": ruleModule}})
	require.NoError(t, err)
	assert.Equal(t, "validate/errors", engine.Entrypoint())

	msgs, err := engine.Evaluate(ctx, params(map[string]any{"limit": 500}))
	require.NoError(t, err)
	assert.Equal(t, []string{"id is required", "limit must not exceed 100"}, msgs)

	msgs, err = engine.Evaluate(ctx, params(map[string]any{"id": "1", "limit": 5}))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEvaluateCachesDecisions(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{"rules.rego": ruleModule}, CacheSize: 8})
	require.NoError(t, err)

	first, err := engine.Evaluate(ctx, params(map[string]any{}))
	require.NoError(t, err)
	first[0] = "mutated"

	second, err := engine.Evaluate(ctx, params(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"id is required"}, second)

	engine.FlushCache()
	third, err := engine.Evaluate(ctx, params(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestNewEngineErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewEngine(ctx, EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(ctx, EngineOptions{Modules: map[string]string{"bad.rego": "package validate\nerrors contains"}})
	assert.ErrorContains(t, err, "bad.rego")
}

func TestEvaluateRejectsNonListDecision(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "validate/verdict",
		Modules:    map[string]string{"v.rego": "package validate\n\nverdict := 42\n"},
	})
	require.NoError(t, err)

	_, err = engine.Evaluate(ctx, params(nil))
	assert.ErrorIs(t, err, ErrDecisionType)
}

func TestEvaluateWithoutCache(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "/validate/errors/",
		Modules:    map[string]string{"rules.rego": ruleModule},
		CacheSize:  -1,
	})
	require.NoError(t, err)
	assert.Equal(t, "validate/errors", engine.Entrypoint())

	msgs, err := engine.Evaluate(ctx, params(map[string]any{"id": "1", "limit": 101}))
	require.NoError(t, err)
	assert.Equal(t, []string{"limit must not exceed 100"}, msgs)
	engine.FlushCache()
	engine.Close()
}
