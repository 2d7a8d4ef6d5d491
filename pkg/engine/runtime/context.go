package runtime

import (
	"strings"
	"sync"
	"time"
)

// Reserved names inside the context tree.
const (
	InputKey       = "input"
	RequestsKey    = "requests"
	ResultKey      = "result"
	StopKey        = "stop"
	DiagnosticsKey = "_diagnostics"
	ExceptionKey   = "_exception"
	DebugKey       = "_debug"
)

// Diagnostic labels recorded by the engine.
const (
	LabelValidate = "validate"
	LabelTotal    = "total"
)

// StepTransformLabel is the diagnostic label of a step's response transform.
func StepTransformLabel(step string) string {
	return "step." + step + ".transform"
}

// SourceLabel is the diagnostic label of one source execution.
func SourceLabel(step, source string) string {
	return "step." + step + ".source." + source
}

// Request is the client request as seen by the pipeline.
type Request struct {
	Path    string         `json:"path"`
	Method  string         `json:"method"`
	Headers map[string]any `json:"headers"`
	Params  map[string]any `json:"params"`
	Body    any            `json:"body"`
}

// Diagnostic is one (label, duration) trace entry.
type Diagnostic struct {
	Label    string `json:"label"`
	Duration int64  `json:"durationMillis"`
}

// Exception captures the metadata of a failed script or source.
type Exception struct {
	Message       string   `json:"message"`
	StackFrames   []string `json:"stackFrames,omitempty"`
	OffendingData any      `json:"offendingData,omitempty"`
}

// ExecutionContext is the per-request blackboard of a pipeline run. All methods
// are safe for concurrent use; sources of one step write from their own goroutines.
type ExecutionContext struct {
	mu sync.RWMutex

	request  Request
	response Message
	steps    map[string]*StepResult

	locale           string
	validationErrors []string

	diagnostics []Diagnostic
	exception   *Exception

	debug         bool
	returnContext bool

	fields map[string]any
}

// NewExecutionContext creates an empty context seeded with the client request.
func NewExecutionContext(req Request) *ExecutionContext {
	ec := &ExecutionContext{
		steps:  make(map[string]*StepResult),
		fields: make(map[string]any),
	}
	ec.SetInputRequest(req)
	ec.response = Message{Headers: map[string]any{}, Body: map[string]any{}}
	return ec
}

// SetInputRequest replaces input.request. Header names are lower-cased.
func (ec *ExecutionContext) SetInputRequest(req Request) {
	normalized := Request{
		Path:    req.Path,
		Method:  strings.ToUpper(req.Method),
		Headers: lowerKeys(req.Headers),
		Params:  cloneMap(req.Params),
		Body:    CloneValue(req.Body),
	}
	if normalized.Params == nil {
		normalized.Params = map[string]any{}
	}
	ec.mu.Lock()
	ec.request = normalized
	ec.mu.Unlock()
}

// InputRequest returns a copy of input.request.
func (ec *ExecutionContext) InputRequest() Request {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return Request{
		Path:    ec.request.Path,
		Method:  ec.request.Method,
		Headers: cloneMap(ec.request.Headers),
		Params:  cloneMap(ec.request.Params),
		Body:    CloneValue(ec.request.Body),
	}
}

// MergeInputRequest merges fields into input.request headers, params and body.
// A nil map leaves the corresponding part untouched.
func (ec *ExecutionContext) MergeInputRequest(headers, params map[string]any, body any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range headers {
		ec.request.Headers[strings.ToLower(k)] = CloneValue(v)
	}
	for k, v := range params {
		ec.request.Params[k] = CloneValue(v)
	}
	if body != nil {
		ec.request.Body = mergeValue(ec.request.Body, body)
	}
}

// SetInputResponse replaces input.response.
func (ec *ExecutionContext) SetInputResponse(headers map[string]any, body any) {
	ec.mu.Lock()
	ec.response = Message{Headers: cloneMap(headers), Body: CloneValue(body)}
	ec.mu.Unlock()
}

// InputResponse returns a copy of input.response.
func (ec *ExecutionContext) InputResponse() Message {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return Message{Headers: cloneMap(ec.response.Headers), Body: CloneValue(ec.response.Body)}
}

// SetSourceRequest records the request a source is about to send.
func (ec *ExecutionContext) SetSourceRequest(step, source string, req map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	data := ec.sourceLocked(step, source)
	data.Request = cloneMap(req)
	ec.steps[step].Requests[source] = data
}

// SetSourceResponse records the response of a completed source.
func (ec *ExecutionContext) SetSourceResponse(step, source string, headers map[string]any, body any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	data := ec.sourceLocked(step, source)
	data.Response = Message{Headers: cloneMap(headers), Body: CloneValue(body)}
	ec.steps[step].Requests[source] = data
}

// SourceData returns the recorded request/response of one source.
func (ec *ExecutionContext) SourceData(step, source string) (SourceData, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	sr, ok := ec.steps[step]
	if !ok {
		return SourceData{}, false
	}
	data, ok := sr.Requests[source]
	if !ok {
		return SourceData{}, false
	}
	return SourceData{
		Request:  cloneMap(data.Request),
		Response: Message{Headers: cloneMap(data.Response.Headers), Body: CloneValue(data.Response.Body)},
	}, true
}

func (ec *ExecutionContext) sourceLocked(step, source string) SourceData {
	sr := ec.stepLocked(step)
	return sr.Requests[source]
}

func (ec *ExecutionContext) stepLocked(step string) *StepResult {
	sr, ok := ec.steps[step]
	if !ok {
		sr = &StepResult{Requests: make(map[string]SourceData)}
		ec.steps[step] = sr
	}
	return sr
}

// SetStepResult stores the transformed result and the static stop flag of a step.
func (ec *ExecutionContext) SetStepResult(step string, result map[string]any, stop bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	sr := ec.stepLocked(step)
	sr.Result = cloneMap(result)
	sr.Stop = stop
}

// StepResult returns a copy of the step's outcome.
func (ec *ExecutionContext) StepResult(step string) (StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	sr, ok := ec.steps[step]
	if !ok {
		return StepResult{}, false
	}
	return cloneStepResult(sr), true
}

// StepField reads one field of a step's result.
func (ec *ExecutionContext) StepField(step, field string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	sr, ok := ec.steps[step]
	if !ok || sr.Result == nil {
		return nil, false
	}
	v, ok := sr.Result[field]
	return CloneValue(v), ok
}

// SetStepField writes one field of a step's result.
func (ec *ExecutionContext) SetStepField(step, field string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	sr := ec.stepLocked(step)
	if sr.Result == nil {
		sr.Result = make(map[string]any)
	}
	sr.Result[field] = CloneValue(value)
}

// AddDiagnostic appends a (label, duration) entry. Entries keep completion order.
func (ec *ExecutionContext) AddDiagnostic(label string, d time.Duration) {
	ec.mu.Lock()
	ec.diagnostics = append(ec.diagnostics, Diagnostic{Label: label, Duration: d.Milliseconds()})
	ec.mu.Unlock()
}

// Diagnostics returns a copy of the trace log.
func (ec *ExecutionContext) Diagnostics() []Diagnostic {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]Diagnostic, len(ec.diagnostics))
	copy(out, ec.diagnostics)
	return out
}

// SetLocale records the display locale selected for this request.
func (ec *ExecutionContext) SetLocale(locale string) {
	ec.mu.Lock()
	ec.locale = locale
	ec.mu.Unlock()
}

// Locale returns the selected display locale, if any.
func (ec *ExecutionContext) Locale() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.locale
}

// SetValidationErrors records the ordered validation failures.
func (ec *ExecutionContext) SetValidationErrors(errs []string) {
	ec.mu.Lock()
	ec.validationErrors = append([]string(nil), errs...)
	ec.mu.Unlock()
}

// ValidationErrors returns the recorded validation failures.
func (ec *ExecutionContext) ValidationErrors() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.validationErrors...)
}

// SetException records failure metadata for diagnostics.
func (ec *ExecutionContext) SetException(ex Exception) {
	ec.mu.Lock()
	ex.StackFrames = append([]string(nil), ex.StackFrames...)
	ex.OffendingData = CloneValue(ex.OffendingData)
	ec.exception = &ex
	ec.mu.Unlock()
}

// Exception returns the recorded failure metadata.
func (ec *ExecutionContext) Exception() (Exception, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.exception == nil {
		return Exception{}, false
	}
	return *ec.exception, true
}

// SetDebug toggles debug mode.
func (ec *ExecutionContext) SetDebug(debug bool) {
	ec.mu.Lock()
	ec.debug = debug
	ec.mu.Unlock()
}

// Debug reports whether debug mode is on.
func (ec *ExecutionContext) Debug() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.debug
}

// SetReturnContext toggles echoing the context in the response body.
func (ec *ExecutionContext) SetReturnContext(v bool) {
	ec.mu.Lock()
	ec.returnContext = v
	ec.mu.Unlock()
}

// ReturnContext reports whether the context should be echoed.
func (ec *ExecutionContext) ReturnContext() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.returnContext
}

// SetField stores an adapter-defined, schema-less value.
func (ec *ExecutionContext) SetField(key string, value any) {
	ec.mu.Lock()
	ec.fields[key] = CloneValue(value)
	ec.mu.Unlock()
}

// Field reads an adapter-defined value.
func (ec *ExecutionContext) Field(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.fields[key]
	return CloneValue(v), ok
}

// Tree returns a deep copy of the context tree that path expressions resolve against.
func (ec *ExecutionContext) Tree() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.treeLocked()
}

func (ec *ExecutionContext) treeLocked() map[string]any {
	input := map[string]any{
		"request": map[string]any{
			"path":    ec.request.Path,
			"method":  ec.request.Method,
			"headers": cloneMap(ec.request.Headers),
			"params":  cloneMap(ec.request.Params),
			"body":    CloneValue(ec.request.Body),
		},
		"response": map[string]any{
			"headers": cloneMap(ec.response.Headers),
			"body":    CloneValue(ec.response.Body),
		},
	}
	if ec.locale != "" {
		input["locale"] = ec.locale
	}
	if len(ec.validationErrors) > 0 {
		errs := make([]any, len(ec.validationErrors))
		for i, e := range ec.validationErrors {
			errs[i] = e
		}
		input["validation"] = map[string]any{
			"errors":  errs,
			"message": strings.Join(ec.validationErrors, "; "),
		}
	}

	tree := map[string]any{InputKey: input}
	for k, v := range ec.fields {
		tree[k] = CloneValue(v)
	}
	for name, sr := range ec.steps {
		tree[name] = stepTree(sr)
	}
	return tree
}

// Snapshot returns the full context: the tree plus diagnostics, exception and flags.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snap := ec.treeLocked()
	diags := make([]any, len(ec.diagnostics))
	for i, d := range ec.diagnostics {
		diags[i] = map[string]any{"label": d.Label, "durationMillis": d.Duration}
	}
	snap[DiagnosticsKey] = diags
	snap[DebugKey] = ec.debug
	if ec.exception != nil {
		frames := make([]any, len(ec.exception.StackFrames))
		for i, f := range ec.exception.StackFrames {
			frames[i] = f
		}
		snap[ExceptionKey] = map[string]any{
			"message":       ec.exception.Message,
			"stackFrames":   frames,
			"offendingData": CloneValue(ec.exception.OffendingData),
		}
	}
	return snap
}

func stepTree(sr *StepResult) map[string]any {
	requests := make(map[string]any, len(sr.Requests))
	for name, data := range sr.Requests {
		requests[name] = map[string]any{
			"request": cloneMap(data.Request),
			"response": map[string]any{
				"headers": cloneMap(data.Response.Headers),
				"body":    CloneValue(data.Response.Body),
			},
		}
	}
	return map[string]any{
		RequestsKey: requests,
		ResultKey:   cloneMap(sr.Result),
		StopKey:     sr.Stop,
	}
}

func cloneStepResult(sr *StepResult) StepResult {
	out := StepResult{
		Requests: make(map[string]SourceData, len(sr.Requests)),
		Result:   cloneMap(sr.Result),
		Stop:     sr.Stop,
	}
	for name, data := range sr.Requests {
		out.Requests[name] = SourceData{
			Request:  cloneMap(data.Request),
			Response: Message{Headers: cloneMap(data.Response.Headers), Body: CloneValue(data.Response.Body)},
		}
	}
	return out
}

func lowerKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = CloneValue(v)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies the JSON-like values stored in the context.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

// mergeValue merges src into dst when both are objects; otherwise src wins.
func mergeValue(dst, src any) any {
	dm, dok := dst.(map[string]any)
	sm, sok := src.(map[string]any)
	if !dok || !sok {
		return CloneValue(src)
	}
	out := cloneMap(dm)
	for k, v := range sm {
		out[k] = CloneValue(v)
	}
	return out
}
