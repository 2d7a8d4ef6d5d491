// Package transform resolves declarative mapping specs against an execution
// context tree. A spec combines literal fields, path expressions and an
// optional script; the reserved wildcard key replaces the whole value instead
// of merging fields.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/polisai/polis-aggregator/pkg/script"
)

// Wildcard is the resolved-map key that signals whole-value replacement.
const Wildcard = "*"

// Spec is the raw, declarative mapping rule.
type Spec struct {
	// Fixed holds literal fields copied into the output.
	Fixed map[string]any `yaml:"fixed" json:"fixed,omitempty"`
	// Mapping maps an output field (dotted for nesting, or Wildcard) to a path expression.
	Mapping map[string]string `yaml:"mapping" json:"mapping,omitempty"`
	// Script optionally post-processes the output.
	Script *ScriptSpec `yaml:"script" json:"script,omitempty"`
}

// ScriptSpec is an embedded script. The script defines main(ctx, value) and
// returns the new value.
type ScriptSpec struct {
	Type   string `yaml:"type" json:"type"`
	Source string `yaml:"source" json:"source"`
}

// IsZero reports whether the spec declares nothing.
func (s *Spec) IsZero() bool {
	return s == nil || (len(s.Fixed) == 0 && len(s.Mapping) == 0 && s.Script == nil)
}

// Compiled is an immutable, validated spec safe to share between runs.
type Compiled struct {
	fixed    map[string]any
	mappings []mapping
	program  *script.Program
}

type mapping struct {
	target string
	path   string
}

// ScriptSource returns the script source of the spec, if any.
func (c *Compiled) ScriptSource() string {
	if c == nil || c.program == nil {
		return ""
	}
	return c.program.Source
}

// Engine compiles and resolves specs.
type Engine struct {
	scripts *script.Engine
}

// NewEngine creates a transform engine evaluating scripts with the given script engine.
func NewEngine(scripts *script.Engine) *Engine {
	return &Engine{scripts: scripts}
}

// Compile validates a spec. A nil or empty spec compiles to nil, which resolves
// to an empty map.
func (e *Engine) Compile(spec *Spec) (*Compiled, error) {
	if spec.IsZero() {
		return nil, nil
	}

	c := &Compiled{fixed: make(map[string]any, len(spec.Fixed))}
	for k, v := range spec.Fixed {
		c.fixed[k] = cloneAny(v)
	}

	targets := make([]string, 0, len(spec.Mapping))
	for target := range spec.Mapping {
		targets = append(targets, target)
	}
	// Wildcard first so explicit fields can still be layered onto a replaced object.
	sort.Slice(targets, func(i, j int) bool {
		if targets[i] == Wildcard || targets[j] == Wildcard {
			return targets[i] == Wildcard
		}
		return targets[i] < targets[j]
	})
	for _, target := range targets {
		path := strings.TrimSpace(spec.Mapping[target])
		if strings.TrimSpace(target) == "" {
			return nil, errors.New("mapping target is empty")
		}
		if path == "" {
			return nil, fmt.Errorf("mapping %q: path expression is empty", target)
		}
		c.mappings = append(c.mappings, mapping{target: target, path: path})
	}

	if spec.Script != nil {
		kind := strings.ToLower(strings.TrimSpace(spec.Script.Type))
		if kind != "" && kind != "js" && kind != "javascript" {
			return nil, fmt.Errorf("unsupported script type %q", spec.Script.Type)
		}
		if e.scripts == nil {
			return nil, errors.New("script engine is not configured")
		}
		program, err := e.scripts.Compile(spec.Script.Source)
		if err != nil {
			return nil, err
		}
		c.program = program
	}

	return c, nil
}

// Resolve evaluates the compiled spec against tree. Script failures are
// returned as *script.Error.
func (e *Engine) Resolve(ctx context.Context, tree map[string]any, c *Compiled) (map[string]any, error) {
	out := map[string]any{}
	if c == nil {
		return out, nil
	}

	for k, v := range c.fixed {
		setPath(out, k, cloneAny(v))
	}

	if len(c.mappings) > 0 {
		doc, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("encode context tree: %w", err)
		}
		for _, m := range c.mappings {
			res := gjson.GetBytes(doc, m.path)
			if !res.Exists() {
				continue
			}
			if m.target == Wildcard {
				out[Wildcard] = res.Value()
				continue
			}
			setPath(out, m.target, res.Value())
		}
	}

	if c.program != nil {
		current := Value(out)
		v, err := e.scripts.Call(ctx, c.program, tree, current)
		if err != nil {
			return nil, err
		}
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{Wildcard: v}, nil
	}

	return out, nil
}

// Value applies the wildcard rule: a resolved map carrying the wildcard key
// stands for that value alone, fields layered next to an object wildcard are
// merged into it, and any other map stands for itself.
func Value(resolved map[string]any) any {
	v, ok := resolved[Wildcard]
	if !ok {
		return resolved
	}
	if len(resolved) == 1 {
		return v
	}
	obj, isObj := v.(map[string]any)
	if !isObj {
		return v
	}
	merged := cloneAny(obj).(map[string]any)
	for k, field := range resolved {
		if k != Wildcard {
			merged[k] = field
		}
	}
	return merged
}

// Merge applies resolved onto base: the wildcard replaces base entirely,
// plain fields overwrite base's fields.
func Merge(base map[string]any, resolved map[string]any) any {
	if _, ok := resolved[Wildcard]; ok {
		return Value(resolved)
	}
	out := make(map[string]any, len(base)+len(resolved))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range resolved {
		out[k] = v
	}
	return out
}

// Lookup resolves a single path expression against tree.
func Lookup(tree map[string]any, path string) (any, bool) {
	doc, err := json.Marshal(tree)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func setPath(dst map[string]any, target string, value any) {
	parts := strings.Split(target, ".")
	cur := dst
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneAny(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}
