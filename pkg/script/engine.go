// Package script runs the JavaScript snippets embedded in aggregation configs:
// transform scripts, scripted validation rules and source conditions.
//
// Programs are compiled once with goja and shared by every run; each
// evaluation gets its own sandboxed runtime because goja runtimes are not
// safe for concurrent use.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dop251/goja"
)

// EntryPoint is the function every script must define.
const EntryPoint = "main"

const defaultTimeout = 500 * time.Millisecond

// ErrInterrupted is reported when an evaluation exceeds its deadline.
var ErrInterrupted = errors.New("script interrupted")

// Options control engine behaviour.
type Options struct {
	// Timeout bounds a single evaluation. Zero selects the default.
	Timeout time.Duration
	// CacheSize bounds the number of compiled programs kept. Zero selects 4096.
	CacheSize int64
	Logger    *slog.Logger
}

// Engine compiles and evaluates scripts.
type Engine struct {
	timeout time.Duration
	cache   *ristretto.Cache
	logger  *slog.Logger
}

// Program is a compiled script exposing the entry point function.
type Program struct {
	Source string
	prog   *goja.Program
}

// NewEngine constructs an Engine applying sane defaults.
func NewEngine(opts Options) (*Engine, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 4096
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create program cache: %w", err)
	}

	return &Engine{timeout: timeout, cache: cache, logger: logger}, nil
}

// Compile compiles a script that defines function main. Identical sources are
// served from the program cache, so a config reload does not recompile them.
func (e *Engine) Compile(source string) (*Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("script source is empty")
	}
	if cached, ok := e.cache.Get(source); ok {
		if p, ok := cached.(*Program); ok {
			return p, nil
		}
	}

	prog, err := goja.Compile("script.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	p := &Program{Source: source, prog: prog}
	e.cache.Set(source, p, 1)
	return p, nil
}

// CompileExpression compiles a boolean expression evaluated against ctx.
func (e *Engine) CompileExpression(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	return e.Compile(fmt.Sprintf("function %s(ctx) { return (%s); }", EntryPoint, expression))
}

// Call runs the program and invokes its entry point with args. Objects and
// arrays in the result are exported as map[string]any and []any.
func (e *Engine) Call(ctx context.Context, p *Program, args ...any) (any, error) {
	if p == nil {
		return nil, errors.New("script program is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	vm := goja.New()
	if err := sandbox(vm); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ErrInterrupted)
	})
	defer stop()

	if _, err := vm.RunProgram(p.prog); err != nil {
		return nil, wrapError(p, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		return nil, &Error{Source: p.Source, Message: "script does not define function " + EntryPoint}
	}

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = vm.ToValue(arg)
	}

	result, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, wrapError(p, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// Test evaluates a compiled expression and coerces the result to a boolean.
func (e *Engine) Test(ctx context.Context, p *Program, tree map[string]any) (bool, error) {
	v, err := e.Call(ctx, p, tree)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		return b != "", nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	default:
		return true, nil
	}
}

// sandbox removes host-like globals scripts have no business touching.
func sandbox(vm *goja.Runtime) error {
	for _, name := range []string{"require", "module", "exports", "process", "global", "Buffer", "setImmediate"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("sandbox %s: %w", name, err)
		}
	}
	return nil
}
