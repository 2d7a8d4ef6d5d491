package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-aggregator/pkg/policy"
	"github.com/polisai/polis-aggregator/pkg/script"
)

// ErrRuleResult is returned when a scripted rule produces something other
// than a list of messages.
var ErrRuleResult = errors.New("validation script must return a list of messages")

// ScriptRule is a scripted validation rule evaluated against the context tree.
type ScriptRule interface {
	// Check returns the validation messages. An error means the rule itself failed.
	Check(ctx context.Context, tree map[string]any) ([]string, error)
	// Source returns the rule text for error reports.
	Source() string
}

// ScriptSpec declares a scripted rule.
type ScriptSpec struct {
	Type       string `yaml:"type" json:"type"`
	Source     string `yaml:"source" json:"source"`
	Entrypoint string `yaml:"entrypoint" json:"entrypoint,omitempty"`
}

// CompileScript builds the rule for spec. JS rules define main(ctx); Rego rules
// expose a decision at Entrypoint.
func CompileScript(ctx context.Context, scripts *script.Engine, spec *ScriptSpec) (ScriptRule, error) {
	if spec == nil {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "", "js", "javascript":
		if scripts == nil {
			return nil, errors.New("script engine is not configured")
		}
		program, err := scripts.Compile(spec.Source)
		if err != nil {
			return nil, err
		}
		return &jsRule{engine: scripts, program: program}, nil
	case "rego", "opa":
		engine, err := policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint: spec.Entrypoint,
			Modules:    map[string]string{"validation.rego": spec.Source},
		})
		if err != nil {
			return nil, err
		}
		return &regoRule{engine: engine, source: spec.Source}, nil
	default:
		return nil, fmt.Errorf("unsupported validation script type %q", spec.Type)
	}
}

type jsRule struct {
	engine  *script.Engine
	program *script.Program
}

func (r *jsRule) Source() string { return r.program.Source }

func (r *jsRule) Check(ctx context.Context, tree map[string]any) ([]string, error) {
	v, err := r.engine.Call(ctx, r.program, tree)
	if err != nil {
		return nil, err
	}
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		if typed == "" {
			return nil, nil
		}
		return []string{typed}, nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, &script.Error{
			Source:  r.program.Source,
			Message: fmt.Sprintf("validation script returned %T", v),
			Err:     ErrRuleResult,
		}
	}
}

type regoRule struct {
	engine *policy.Engine
	source string
}

func (r *regoRule) Source() string { return r.source }

func (r *regoRule) Check(ctx context.Context, tree map[string]any) ([]string, error) {
	messages, err := r.engine.Evaluate(ctx, tree)
	if err != nil {
		return nil, &script.Error{Source: r.source, Message: err.Error(), Err: err}
	}
	return messages, nil
}
