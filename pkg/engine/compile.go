package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/transform"
	"github.com/polisai/polis-aggregator/pkg/validation"
)

// DefaultRoutePrefix is stripped from config paths before deriving the service name.
const DefaultRoutePrefix = "/proxy"

// CompilerConfig holds the collaborators shared by every compiled pipeline.
type CompilerConfig struct {
	Sources   *SourceRegistry
	Scripts   *script.Engine
	Validator *validation.Validator
	// RoutePrefix is stripped from paths before deriving service names.
	// Empty selects DefaultRoutePrefix.
	RoutePrefix string
	Logger      *slog.Logger
}

// Compiler turns raw documents into immutable pipelines.
type Compiler struct {
	sources     *SourceRegistry
	scripts     *script.Engine
	transforms  *transform.Engine
	validator   *validation.Validator
	routePrefix string
	logger      *slog.Logger
}

// NewCompiler constructs a Compiler, creating the script engine and the
// validator when they are not supplied.
func NewCompiler(cfg CompilerConfig) (*Compiler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scripts := cfg.Scripts
	if scripts == nil {
		var err error
		scripts, err = script.NewEngine(script.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	validator := cfg.Validator
	if validator == nil {
		var err error
		validator, err = validation.New()
		if err != nil {
			return nil, err
		}
	}

	sources := cfg.Sources
	if sources == nil {
		sources = NewSourceRegistry()
	}

	prefix := strings.TrimRight(strings.TrimSpace(cfg.RoutePrefix), "/")
	if cfg.RoutePrefix == "" {
		prefix = DefaultRoutePrefix
	}

	return &Compiler{
		sources:     sources,
		scripts:     scripts,
		transforms:  transform.NewEngine(scripts),
		validator:   validator,
		routePrefix: prefix,
		logger:      logger,
	}, nil
}

// Sources returns the source registry the compiler resolves types against.
func (c *Compiler) Sources() *SourceRegistry {
	return c.sources
}

// Compile validates doc and builds its pipeline. Failures wrap domain.ErrConfigInvalid.
func (c *Compiler) Compile(ctx context.Context, doc *config.Document) (*Pipeline, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", domain.ErrConfigInvalid)
	}

	p, err := c.compile(ctx, doc)
	if err != nil {
		label := doc.ID
		if label == "" {
			label = doc.Key().String()
		}
		return nil, fmt.Errorf("%w: config %q: %w", domain.ErrConfigInvalid, label, err)
	}
	return p, nil
}

func (c *Compiler) compile(ctx context.Context, doc *config.Document) (*Pipeline, error) {
	key := doc.Key()
	if key.Method == "" {
		return nil, errors.New("method is required")
	}
	if !strings.HasPrefix(key.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", key.Path)
	}

	input, err := c.compileInput(ctx, doc.Input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}

	def := &PipelineDefinition{}
	names := stepNames(doc.Steps)
	seen := make(map[string]struct{}, len(doc.Steps))
	for i := range doc.Steps {
		step, err := c.compileStep(names[i], &doc.Steps[i])
		if err != nil {
			return nil, err
		}
		if _, dup := seen[step.Name]; dup {
			return nil, fmt.Errorf("step %q: duplicate step name", step.Name)
		}
		seen[step.Name] = struct{}{}
		def.Steps = append(def.Steps, step)
	}

	if doc.Response != nil {
		resp, err := c.compileResponse(doc.Response)
		if err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
		def.Response = *resp
	}

	meta := domain.ConfigMeta{
		ID:      doc.ID,
		Name:    doc.Name,
		Service: c.serviceName(key.Path),
		Method:  key.Method,
		Path:    key.Path,
		Version: doc.Version,
	}

	return &Pipeline{
		key:        key,
		meta:       meta,
		definition: def,
		input:      input,
		transforms: c.transforms,
		scripts:    c.scripts,
		validator:  c.validator,
		logger:     c.logger.With("config_id", meta.ID, "resource_key", key.String()),
	}, nil
}

func (c *Compiler) compileInput(ctx context.Context, spec *config.InputSpec) (*ClientInputSpec, error) {
	out := &ClientInputSpec{}
	if spec == nil {
		return out, nil
	}
	out.Debug = spec.Debug

	var err error
	if spec.Request != nil {
		if out.RequestHeaders, err = c.transforms.Compile(spec.Request.Headers); err != nil {
			return nil, fmt.Errorf("request headers mapping: %w", err)
		}
		if out.RequestParams, err = c.transforms.Compile(spec.Request.Params); err != nil {
			return nil, fmt.Errorf("request params mapping: %w", err)
		}
		if out.RequestBody, err = c.transforms.Compile(spec.Request.Body); err != nil {
			return nil, fmt.Errorf("request body mapping: %w", err)
		}
	}

	for name, rules := range map[string][]validation.FieldRule{
		"headers": spec.Headers,
		"params":  spec.Params,
		"body":    spec.Body,
	} {
		if err := c.validator.CompileRules(rules); err != nil {
			return nil, fmt.Errorf("%s rules: %w", name, err)
		}
	}
	out.Headers = append([]validation.FieldRule(nil), spec.Headers...)
	out.Params = append([]validation.FieldRule(nil), spec.Params...)
	out.Body = append([]validation.FieldRule(nil), spec.Body...)

	if out.Script, err = validation.CompileScript(ctx, c.scripts, spec.Script); err != nil {
		return nil, fmt.Errorf("validation script: %w", err)
	}
	if out.Locale, err = validation.CompileLocale(spec.Locale); err != nil {
		return nil, err
	}

	if spec.Error != nil {
		if out.Error, err = c.compileResponse(spec.Error); err != nil {
			return nil, fmt.Errorf("error response: %w", err)
		}
	}
	return out, nil
}

// stepNames returns the name of every step. Unnamed steps get the first
// free "step<N>", counting from their position, so a generated name never
// shadows one given explicitly.
func stepNames(steps []config.StepSpec) []string {
	names := make([]string, len(steps))
	taken := make(map[string]struct{}, len(steps))
	for i := range steps {
		names[i] = strings.TrimSpace(steps[i].Name)
		if names[i] != "" {
			taken[names[i]] = struct{}{}
		}
	}
	for i := range names {
		if names[i] != "" {
			continue
		}
		for n := i + 1; ; n++ {
			candidate := "step" + strconv.Itoa(n)
			if _, used := taken[candidate]; !used {
				names[i] = candidate
				taken[candidate] = struct{}{}
				break
			}
		}
	}
	return names
}

func (c *Compiler) compileStep(name string, spec *config.StepSpec) (*StepDefinition, error) {
	if err := checkStepName(name); err != nil {
		return nil, err
	}

	step := &StepDefinition{Name: name, Stop: spec.Stop}
	for _, sourceName := range spec.SourceNames() {
		src, err := c.compileSource(name, sourceName, spec.Sources[sourceName])
		if err != nil {
			return nil, fmt.Errorf("step %q: source %q: %w", name, sourceName, err)
		}
		step.Sources = append(step.Sources, src)
	}

	resp, err := c.transforms.Compile(spec.Response)
	if err != nil {
		return nil, fmt.Errorf("step %q: response: %w", name, err)
	}
	step.Response = resp
	return step, nil
}

func (c *Compiler) compileSource(step, name string, spec config.SourceSpec) (SourceDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return SourceDefinition{}, errors.New("source name is empty")
	}
	factory, meta, ok := c.sources.Resolve(spec.Type)
	if !ok {
		return SourceDefinition{}, fmt.Errorf("%w %q", domain.ErrUnknownSource, spec.Type)
	}

	raw := make(map[string]any, len(spec.Raw))
	for k, v := range spec.Raw {
		raw[k] = runtime.CloneValue(v)
	}
	def := SourceDefinition{
		Name: name,
		Meta: meta,
		Config: runtime.SourceConfig{
			Step:      step,
			Name:      name,
			Type:      meta.Canonical,
			Condition: spec.Condition,
			Raw:       raw,
		},
		Factory: factory,
	}

	if spec.Condition != "" {
		program, err := c.scripts.CompileExpression(spec.Condition)
		if err != nil {
			return SourceDefinition{}, fmt.Errorf("condition: %w", err)
		}
		def.condition = program
	}

	// Instantiate once so adapter-specific config errors surface at load time.
	if _, err := factory(def.Config); err != nil {
		return SourceDefinition{}, err
	}
	return def, nil
}

func (c *Compiler) compileResponse(spec *config.ResponseSpec) (*ResponseDefinition, error) {
	headers, err := c.transforms.Compile(spec.Headers)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	body, err := c.transforms.Compile(spec.Body)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	return &ResponseDefinition{Headers: headers, Body: body}, nil
}

// serviceName is the first path segment after the routing prefix.
func (c *Compiler) serviceName(path string) string {
	trimmed := path
	if c.routePrefix != "" && (path == c.routePrefix || strings.HasPrefix(path, c.routePrefix+"/")) {
		trimmed = strings.TrimPrefix(path, c.routePrefix)
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	segment, _, _ := strings.Cut(trimmed, "/")
	return segment
}

func checkStepName(name string) error {
	switch {
	case name == runtime.InputKey:
		return fmt.Errorf("step name %q is reserved", name)
	case strings.HasPrefix(name, "_"):
		return fmt.Errorf("step name %q: names starting with _ are reserved", name)
	case strings.ContainsAny(name, ".*#|@"):
		return fmt.Errorf("step name %q must not contain path characters", name)
	}
	return nil
}
