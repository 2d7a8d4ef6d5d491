package domain

import "errors"

// Common domain errors
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrSourceFailed     = errors.New("source execution failed")
	ErrScriptExecution  = errors.New("script execution failed")
	ErrUnknownSource    = errors.New("unknown source type")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a failure raised while a pipeline was running: a source
// adapter failing during Execute, or a transform/validation script failing.
// Kind is one of ErrSourceFailed or ErrScriptExecution.
type ExecutionError struct {
	Kind   error
	Stage  string
	Source string
	// Script holds the offending script source when Kind is ErrScriptExecution.
	Script string
	// Context is a snapshot of the execution context taken when the error surfaced.
	Context map[string]any
	// ReturnContext mirrors the debug/returnContext flags of the failed run.
	ReturnContext bool
	Err           error
}

func (e *ExecutionError) Error() string {
	msg := e.Kind.Error()
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.Source != "" {
		msg += " (source " + e.Source + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorResponse defines the standard JSON error model returned by admin and data APIs.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string         `json:"code"`               // Machine-readable error code (e.g., NOT_FOUND, SOURCE_FAILED)
	Message string         `json:"message"`            // Human-readable message (safe for logs)
	TraceID string         `json:"trace_id,omitempty"` // Optional trace/correlation ID
	Context map[string]any `json:"context,omitempty"`  // Execution context, only when requested
}
