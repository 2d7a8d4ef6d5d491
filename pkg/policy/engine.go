package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	defaultEntrypoint = "validate/errors"
	defaultCacheSize  = 1024
)

// ErrDecisionType is returned when the decision is not a list of messages.
var ErrDecisionType = errors.New("policy decision is not a list of messages")

// EngineOptions control how a rule engine is built.
type EngineOptions struct {
	// Entrypoint is the decision path returning the validation messages,
	// "validate/errors" when empty.
	Entrypoint string
	// Modules maps file names to Rego sources.
	Modules map[string]string
	// CacheSize bounds the number of remembered decisions. Zero selects the
	// default; negative disables the cache.
	CacheSize int64
	Logger    *slog.Logger
}

// Engine evaluates validation rules written in Rego. The decision at the
// entrypoint must be a set or array of messages; an undefined or empty
// decision means the input is valid. The query is prepared once, so an
// Engine is cheap to evaluate and safe for concurrent use.
type Engine struct {
	entrypoint string
	query      rego.PreparedEvalQuery
	cache      *ristretto.Cache
	logger     *slog.Logger
}

// NewEngine parses the modules and prepares the entrypoint query. Parse and
// compile errors surface here, at config load.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range names {
		module, err := ast.ParseModule(name, opts.Modules[name])
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	query, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	e := &Engine{entrypoint: entry, query: query, logger: logger}
	if size := cacheSize(opts.CacheSize); size > 0 {
		e.cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: size * 10,
			MaxCost:     size,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
	}
	return e, nil
}

func cacheSize(n int64) int64 {
	switch {
	case n == 0:
		return defaultCacheSize
	case n < 0:
		return 0
	default:
		return n
	}
}

// Entrypoint returns the decision path the engine evaluates.
func (e *Engine) Entrypoint() string {
	return e.entrypoint
}

// Evaluate runs the rules against input and returns the messages sorted.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) ([]string, error) {
	key, cached := e.cacheKey(input)
	if cached {
		if v, ok := e.cache.Get(key); ok {
			return append([]string(nil), v.([]string)...), nil
		}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa decision: %w", err)
	}

	var messages []string
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if messages, err = parseMessages(results[0].Expressions[0].Value); err != nil {
			return nil, err
		}
	}
	e.logger.Debug("rego validation evaluated", "entrypoint", e.entrypoint, "messages", len(messages))

	if cached {
		e.cache.Set(key, append([]string(nil), messages...), 1)
	}
	return messages, nil
}

// FlushCache forgets every remembered decision.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Close releases the decision cache.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// cacheKey hashes the JSON encoding of input; encoding/json sorts map keys,
// so equal inputs share a key.
func (e *Engine) cacheKey(input map[string]any) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), true
}

func parseMessages(value any) ([]string, error) {
	var out []string
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []string:
		out = append(out, typed...)
	case []any:
		out = make([]string, 0, len(typed))
		for _, item := range typed {
			if msg, ok := item.(string); ok {
				out = append(out, msg)
				continue
			}
			encoded, err := json.Marshal(item)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecisionType, err)
			}
			out = append(out, string(encoded))
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrDecisionType, value)
	}
	sort.Strings(out)
	return out, nil
}
