// Package runtime defines the core contracts shared by the pipeline engine and
// the source adapters, keeping backend-call logic decoupled from execution
// mechanics: the per-request ExecutionContext and the Source plugin contract.
package runtime

import (
	"context"
)

// Source is a pluggable backend call (HTTP, SQL, RPC, ...). A fresh instance is
// created for every pipeline run, so implementations may keep per-run state.
type Source interface {
	// Prepare resolves the source's request against the execution context.
	Prepare(ctx context.Context, ec *ExecutionContext) error
	// ShouldRun reports whether Execute should be scheduled for this run.
	ShouldRun(ec *ExecutionContext) bool
	// Execute performs the backend call.
	Execute(ctx context.Context) (SourceResult, error)
}

// SourceConfig is the compiled, read-only configuration block of one source.
type SourceConfig struct {
	// Step and Name identify the source inside its pipeline.
	Step string
	Name string
	// Type selects the factory, optionally versioned as kind@version.
	Type string
	// Condition is an optional boolean expression gating ShouldRun.
	Condition string
	// Raw holds the adapter-specific fields of the config block.
	Raw map[string]any
}

// SourceFactory instantiates a Source from its configuration. Factories are
// invoked once at compile time to reject invalid configs and once per run.
type SourceFactory func(cfg SourceConfig) (Source, error)

// SourceResult is what a source hands back on completion. Retries is also
// read when Execute fails.
type SourceResult struct {
	Name     string
	Request  map[string]any
	Response Message
	Retries  int
}

// Message is a headers/body pair.
type Message struct {
	Headers map[string]any `json:"headers"`
	Body    any            `json:"body"`
}

// SourceData records one source invocation inside a step.
type SourceData struct {
	Request  map[string]any `json:"request"`
	Response Message        `json:"response"`
}

// StepResult is the per-step outcome stored in the execution context.
type StepResult struct {
	Requests map[string]SourceData `json:"requests"`
	Result   map[string]any        `json:"result"`
	Stop     bool                  `json:"stop"`
}
