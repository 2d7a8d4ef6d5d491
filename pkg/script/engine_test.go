package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Timeout: timeout, CacheSize: 16})
	require.NoError(t, err)
	return e
}

func TestCallReturnsExportedValues(t *testing.T) {
	e := newEngine(t, 0)
	p, err := e.Compile(`function main(ctx, value) {
  return {name: ctx.user.name, count: value.length, tags: ["a", "b"]};
}`)
	require.NoError(t, err)

	got, err := e.Call(context.Background(), p, map[string]any{"user": map[string]any{"name": "ada"}}, []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "count": int64(3), "tags": []any{"a", "b"}}, got)
}

func TestCallNullAndUndefinedAreNil(t *testing.T) {
	e := newEngine(t, 0)
	for _, src := range []string{"function main() { return null; }", "function main() {}"} {
		p, err := e.Compile(src)
		require.NoError(t, err)
		got, err := e.Call(context.Background(), p)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestCompileErrors(t *testing.T) {
	e := newEngine(t, 0)
	_, err := e.Compile("   ")
	assert.Error(t, err)
	_, err = e.Compile("function main( {")
	assert.ErrorContains(t, err, "compile script")
	_, err = e.CompileExpression("")
	assert.Error(t, err)
}

func TestMissingEntryPoint(t *testing.T) {
	e := newEngine(t, 0)
	p, err := e.Compile("var x = 1;")
	require.NoError(t, err)

	_, err = e.Call(context.Background(), p)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "does not define function main")
	assert.Equal(t, "var x = 1;", se.Source)
}

func TestThrownExceptionCarriesFrames(t *testing.T) {
	e := newEngine(t, 0)
	p, err := e.Compile(`function helper() { throw new Error("bad input"); }
function main() { return helper(); }`)
	require.NoError(t, err)

	_, err = e.Call(context.Background(), p)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "bad input")
	assert.NotEmpty(t, se.StackFrames)
	assert.Contains(t, se.Error(), "script: ")
}

func TestRunawayScriptIsInterrupted(t *testing.T) {
	e := newEngine(t, 50*time.Millisecond)
	p, err := e.Compile("function main() { for (;;) {} }")
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Call(context.Background(), p)
	assert.True(t, errors.Is(err, ErrInterrupted), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSandboxHidesHostGlobals(t *testing.T) {
	e := newEngine(t, 0)
	p, err := e.CompileExpression("typeof require === 'undefined' && typeof process === 'undefined'")
	require.NoError(t, err)
	ok, err := e.Test(context.Background(), p, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpressionTruthiness(t *testing.T) {
	e := newEngine(t, 0)
	tree := map[string]any{"input": map[string]any{"request": map[string]any{"params": map[string]any{"id": "7"}}}}

	cases := map[string]bool{
		"ctx.input.request.params.id === '7'": true,
		"ctx.input.request.params.missing":    false,
		"ctx.input.request.params.id.length":  true,
		"0":                                   false,
		"''":                                  false,
		"({})":                                true,
		"ctx.input.request.params.id !== undefined": true,
	}
	for expr, want := range cases {
		p, err := e.CompileExpression(expr)
		require.NoError(t, err, expr)
		got, err := e.Test(context.Background(), p, tree)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestConcurrentCallsShareProgram(t *testing.T) {
	e := newEngine(t, 0)
	p, err := e.Compile("function main(ctx) { return ctx.n * 2; }")
	require.NoError(t, err)

	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(n int) {
			got, err := e.Call(context.Background(), p, map[string]any{"n": n})
			if err == nil && got != int64(n*2) {
				err = errors.New("unexpected result")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		assert.NoError(t, <-errs)
	}
}
