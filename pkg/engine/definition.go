package engine

import (
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/transform"
	"github.com/polisai/polis-aggregator/pkg/validation"
)

// Reserved body fields of the debug echo.
const (
	ContextField = "_context"
	DataField    = "_data"
)

// PipelineDefinition is the compiled, immutable step chain of one endpoint.
// It is shared read-only by every concurrent run.
type PipelineDefinition struct {
	Steps    []*StepDefinition
	Response ResponseDefinition
}

// ResponseDefinition is a compiled headers/body transform pair.
type ResponseDefinition struct {
	Headers *transform.Compiled
	Body    *transform.Compiled
}

// StepDefinition is one compiled step.
type StepDefinition struct {
	Name     string
	Sources  []SourceDefinition
	Response *transform.Compiled
	// Stop ends the chain after this step regardless of its result.
	Stop bool
}

// SourceDefinition binds a source config to its resolved factory.
type SourceDefinition struct {
	Name      string
	Meta      SourceMeta
	Config    runtime.SourceConfig
	Factory   runtime.SourceFactory
	condition *script.Program
}

// ClientInputSpec is the compiled client input handling of one endpoint.
type ClientInputSpec struct {
	Debug bool

	RequestHeaders *transform.Compiled
	RequestParams  *transform.Compiled
	RequestBody    *transform.Compiled

	Headers []validation.FieldRule
	Params  []validation.FieldRule
	Body    []validation.FieldRule
	Script  validation.ScriptRule
	Locale  *validation.LocaleSelector

	// Error is the canned response used when validation fails. When nil the
	// body carries the validation messages under "errors".
	Error *ResponseDefinition
}

func (s *ClientInputSpec) hasMapping() bool {
	return s.RequestHeaders != nil || s.RequestParams != nil || s.RequestBody != nil
}
