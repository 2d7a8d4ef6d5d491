package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/telemetry"
	"github.com/polisai/polis-aggregator/pkg/transform"
	"github.com/polisai/polis-aggregator/pkg/validation"
)

const tracerName = "aggregator.pipeline"

// Pipeline is a compiled aggregation endpoint. It is immutable and safe for
// concurrent runs; all per-request state lives in a run.
type Pipeline struct {
	key        domain.ResourceKey
	meta       domain.ConfigMeta
	definition *PipelineDefinition
	input      *ClientInputSpec

	transforms *transform.Engine
	scripts    *script.Engine
	validator  *validation.Validator
	logger     *slog.Logger
}

// Key returns the resource key the pipeline serves.
func (p *Pipeline) Key() domain.ResourceKey { return p.key }

// Meta returns the introspection metadata of the pipeline.
func (p *Pipeline) Meta() domain.ConfigMeta { return p.meta }

// Definition returns the compiled step chain.
func (p *Pipeline) Definition() *PipelineDefinition { return p.definition }

// Input returns the compiled client input handling.
func (p *Pipeline) Input() *ClientInputSpec { return p.input }

// Debug reports whether the config asks for the context to be echoed.
func (p *Pipeline) Debug() bool { return p.input.Debug }

// run holds the mutable state of one pipeline execution.
type run struct {
	p      *Pipeline
	ec     *runtime.ExecutionContext
	tracer trace.Tracer
	start  time.Time
	total  sync.Once
}

// Run executes the pipeline for one client request. Validation failures are
// reported through the result; source and script failures are returned as
// *domain.ExecutionError.
func (p *Pipeline) Run(ctx context.Context, in domain.ClientInput) (*domain.AggregationResult, error) {
	r := &run{
		p:      p,
		tracer: otel.Tracer(tracerName),
		start:  time.Now(),
		ec: runtime.NewExecutionContext(runtime.Request{
			Path:    in.Path,
			Method:  in.Method,
			Headers: in.Headers,
			Params:  in.Params,
			Body:    in.Body,
		}),
	}
	r.ec.SetDebug(p.input.Debug)
	r.ec.SetReturnContext(in.ReturnContext)

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("config.id", p.meta.ID),
		attribute.String("config.name", p.meta.Name),
		attribute.String("service.name", p.meta.Service),
		attribute.String("http.method", p.key.Method),
		attribute.String("http.route", p.key.Path),
		attribute.Int("pipeline.steps", len(p.definition.Steps)),
	))
	defer span.End()

	result, outcome, err := r.execute(ctx, span)

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{
		ConfigID: p.meta.ID,
		Service:  p.meta.Service,
		Method:   p.key.Method,
		Path:     p.key.Path,
		Outcome:  outcome,
		Duration: time.Since(r.start),
	})
	span.SetAttributes(attribute.String("pipeline.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("aggregation failed", "outcome", outcome, "error", err)
		return nil, err
	}
	return result, nil
}

func (r *run) execute(ctx context.Context, span trace.Span) (*domain.AggregationResult, string, error) {
	if err := r.applyRequestMapping(ctx); err != nil {
		return nil, outcomeOf(err), err
	}

	ok, err := r.validate(ctx, span)
	if err != nil {
		return nil, outcomeOf(err), err
	}
	if !ok {
		result, err := r.assemble(ctx, r.errorResponse())
		if err != nil {
			return nil, outcomeOf(err), err
		}
		return result, telemetry.OutcomeInvalid, nil
	}

	steps := r.p.definition.Steps
	for i := 0; i < len(steps); i++ {
		step := steps[i]
		if err := r.runStep(ctx, step); err != nil {
			return nil, outcomeOf(err), err
		}
		if step.Stop {
			r.p.logger.Debug("step requested stop", "step", step.Name, "remaining", len(steps)-i-1)
			break
		}
	}

	result, err := r.assemble(ctx, &r.p.definition.Response)
	if err != nil {
		return nil, outcomeOf(err), err
	}
	return result, telemetry.OutcomeSuccess, nil
}

// applyRequestMapping merges the configured request transforms into input.request.
func (r *run) applyRequestMapping(ctx context.Context) error {
	spec := r.p.input
	if !spec.hasMapping() {
		return nil
	}
	tree := r.ec.Tree()

	var headers, params map[string]any
	var body any
	if spec.RequestHeaders != nil {
		resolved, err := r.p.transforms.Resolve(ctx, tree, spec.RequestHeaders)
		if err != nil {
			return r.scriptFailure("input.request.headers", err)
		}
		headers = asMap(transform.Value(resolved))
	}
	if spec.RequestParams != nil {
		resolved, err := r.p.transforms.Resolve(ctx, tree, spec.RequestParams)
		if err != nil {
			return r.scriptFailure("input.request.params", err)
		}
		params = asMap(transform.Value(resolved))
	}
	if spec.RequestBody != nil {
		resolved, err := r.p.transforms.Resolve(ctx, tree, spec.RequestBody)
		if err != nil {
			return r.scriptFailure("input.request.body", err)
		}
		body = transform.Value(resolved)
	}
	r.ec.MergeInputRequest(headers, params, body)
	return nil
}

// validate runs the ordered validation stages. It reports false when the
// input was rejected; the messages are then stored on the context.
func (r *run) validate(ctx context.Context, span trace.Span) (bool, error) {
	began := time.Now()
	var once sync.Once
	finish := func() {
		once.Do(func() { r.ec.AddDiagnostic(runtime.LabelValidate, time.Since(began)) })
	}
	defer finish()

	spec := r.p.input
	session := r.p.validator.Acquire(language.Und)
	defer session.Release()

	if spec.Locale != nil {
		if tag, ok := spec.Locale.Select(r.ec.Tree()); ok {
			r.ec.SetLocale(tag.String())
			session.SetLocale(tag)
		}
	}

	req := r.ec.InputRequest()
	stages := []func() ([]string, error){
		func() ([]string, error) { return session.CheckMap(req.Headers, spec.Headers, true), nil },
		func() ([]string, error) { return session.CheckMap(req.Params, spec.Params, false), nil },
		func() ([]string, error) { return session.CheckBody(req.Body, spec.Body), nil },
		func() ([]string, error) {
			if spec.Script == nil {
				return nil, nil
			}
			return spec.Script.Check(ctx, r.ec.Tree())
		},
	}
	for _, stage := range stages {
		messages, err := stage()
		if err != nil {
			finish()
			return false, r.scriptFailure(runtime.LabelValidate, err)
		}
		if len(messages) > 0 {
			r.ec.SetValidationErrors(messages)
			telemetry.RecordValidationEvent(span, len(messages), r.ec.Locale())
			r.p.logger.Debug("client input rejected", "failures", len(messages))
			return false, nil
		}
	}
	return true, nil
}

// errorResponse returns the canned error response, or nil for the default body.
func (r *run) errorResponse() *ResponseDefinition {
	return r.p.input.Error
}

// assemble resolves the output transforms and builds the result. A nil
// response yields the validation messages under "errors".
func (r *run) assemble(ctx context.Context, resp *ResponseDefinition) (*domain.AggregationResult, error) {
	current := r.ec.InputResponse()
	headers := asMap(current.Headers)
	body := current.Body

	if resp == nil {
		errs := r.ec.ValidationErrors()
		list := make([]any, len(errs))
		for i, e := range errs {
			list[i] = e
		}
		body = transform.Merge(asMap(body), map[string]any{"errors": list})
	} else {
		tree := r.ec.Tree()
		if resp.Headers != nil {
			resolved, err := r.p.transforms.Resolve(ctx, tree, resp.Headers)
			if err != nil {
				return nil, r.scriptFailure("response.headers", err)
			}
			headers = asMap(transform.Merge(headers, resolved))
		}
		if resp.Body != nil {
			resolved, err := r.p.transforms.Resolve(ctx, tree, resp.Body)
			if err != nil {
				return nil, r.scriptFailure("response.body", err)
			}
			body = transform.Merge(asMap(body), resolved)
		}
	}
	r.ec.SetInputResponse(headers, body)
	r.recordTotal()

	result := &domain.AggregationResult{Headers: headers, Body: body}
	if r.ec.Debug() || r.ec.ReturnContext() {
		snapshot := r.ec.Snapshot()
		result.Context = snapshot
		result.Body = embedContext(body, snapshot)
	}
	return result, nil
}

func embedContext(body any, snapshot map[string]any) any {
	if m, ok := body.(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out[ContextField] = snapshot
		return out
	}
	return map[string]any{DataField: body, ContextField: snapshot}
}

// scriptFailure records the exception on the context and wraps err.
func (r *run) scriptFailure(stage string, err error) error {
	ex := runtime.Exception{Message: err.Error(), OffendingData: stage}
	source := ""
	var se *script.Error
	if errors.As(err, &se) {
		ex.Message = se.Message
		ex.StackFrames = se.StackFrames
		source = se.Source
	}
	r.ec.SetException(ex)
	return &domain.ExecutionError{
		Kind:          domain.ErrScriptExecution,
		Stage:         stage,
		Script:        source,
		Context:       r.failureSnapshot(),
		ReturnContext: r.ec.Debug() || r.ec.ReturnContext(),
		Err:           err,
	}
}

// failureSnapshot closes the diagnostics with the total so far and captures
// the context for an error.
func (r *run) failureSnapshot() map[string]any {
	r.recordTotal()
	return r.ec.Snapshot()
}

// recordTotal appends the whole-request duration, once per run.
func (r *run) recordTotal() {
	r.total.Do(func() {
		r.ec.AddDiagnostic(runtime.LabelTotal, time.Since(r.start))
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, domain.ErrScriptExecution):
		return telemetry.OutcomeScriptError
	default:
		return telemetry.OutcomeSourceError
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
