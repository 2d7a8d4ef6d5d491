package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-aggregator/internal/governance"
	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/telemetry"
	"github.com/polisai/polis-aggregator/pkg/transform"
)

type scheduledSource struct {
	def *SourceDefinition
	src runtime.Source
}

// runStep instantiates, prepares and filters the step's sources, executes the
// scheduled ones concurrently and applies the step transform once all finished.
func (r *run) runStep(ctx context.Context, step *StepDefinition) (err error) {
	began := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.Int("step.sources", len(step.Sources)),
		attribute.Bool("step.stop", step.Stop),
	))
	defer func() {
		outcome := outcomeOf(err)
		telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
			ConfigID: r.p.meta.ID,
			Step:     step.Name,
			Outcome:  outcome,
			Duration: time.Since(began),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	scheduled, err := r.schedule(ctx, step)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("step.scheduled", len(scheduled)))

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range scheduled {
		g.Go(func() error {
			return r.executeSource(gctx, step, job)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	transformStart := time.Now()
	resolved, err := r.p.transforms.Resolve(ctx, r.ec.Tree(), step.Response)
	if err != nil {
		return r.scriptFailure(runtime.StepTransformLabel(step.Name), err)
	}
	r.ec.SetStepResult(step.Name, stepResult(resolved), step.Stop)
	r.ec.AddDiagnostic(runtime.StepTransformLabel(step.Name), time.Since(transformStart))
	return nil
}

// schedule builds fresh source instances for this run and keeps those that
// should execute. Skipped sources leave no trace in the step's requests.
func (r *run) schedule(ctx context.Context, step *StepDefinition) ([]scheduledSource, error) {
	scheduled := make([]scheduledSource, 0, len(step.Sources))
	for i := range step.Sources {
		def := &step.Sources[i]

		src, err := def.Factory(def.Config)
		if err != nil {
			return nil, r.sourceFailure(step, def, err)
		}
		if err := src.Prepare(ctx, r.ec); err != nil {
			var se *script.Error
			if errors.As(err, &se) {
				return nil, r.scriptFailure(runtime.SourceLabel(step.Name, def.Name), err)
			}
			return nil, r.sourceFailure(step, def, err)
		}

		if def.condition != nil {
			ok, err := r.p.scripts.Test(ctx, def.condition, r.ec.Tree())
			if err != nil {
				return nil, r.scriptFailure(runtime.SourceLabel(step.Name, def.Name), err)
			}
			if !ok {
				r.recordSkipped(ctx, step, def)
				continue
			}
		}
		if !src.ShouldRun(r.ec) {
			r.recordSkipped(ctx, step, def)
			continue
		}
		scheduled = append(scheduled, scheduledSource{def: def, src: src})
	}
	return scheduled, nil
}

func (r *run) executeSource(ctx context.Context, step *StepDefinition, job scheduledSource) error {
	label := runtime.SourceLabel(step.Name, job.def.Name)
	ctx, span := r.tracer.Start(ctx, "pipeline.source", trace.WithAttributes(
		attribute.String("source.name", job.def.Name),
		attribute.String("source.type", job.def.Meta.Canonical),
		attribute.String("step.name", step.Name),
	))
	defer span.End()

	began := time.Now()
	res, err := job.src.Execute(ctx)
	elapsed := time.Since(began)
	r.ec.AddDiagnostic(label, elapsed)

	metrics := telemetry.SourceMetrics{
		ConfigID: r.p.meta.ID,
		Step:     step.Name,
		Source:   job.def.Name,
		Type:     job.def.Meta.Canonical,
		Outcome:  telemetry.OutcomeSuccess,
		Duration: elapsed,
		Retries:  res.Retries,
	}
	if err != nil {
		metrics.Outcome = telemetry.OutcomeSourceError
		if errors.Is(err, governance.ErrCircuitOpen) {
			metrics.Outcome = telemetry.OutcomeCircuitOpen
		}
		telemetry.RecordSourceMetrics(ctx, metrics)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.sourceFailure(step, job.def, err)
	}
	telemetry.RecordSourceMetrics(ctx, metrics)

	r.ec.SetSourceRequest(step.Name, job.def.Name, res.Request)
	r.ec.SetSourceResponse(step.Name, job.def.Name, res.Response.Headers, res.Response.Body)
	return nil
}

func (r *run) recordSkipped(ctx context.Context, step *StepDefinition, def *SourceDefinition) {
	telemetry.RecordSourceMetrics(ctx, telemetry.SourceMetrics{
		ConfigID: r.p.meta.ID,
		Step:     step.Name,
		Source:   def.Name,
		Type:     def.Meta.Canonical,
		Outcome:  telemetry.OutcomeSkipped,
	})
	r.p.logger.Debug("source skipped", "step", step.Name, "source", def.Name)
}

func (r *run) sourceFailure(step *StepDefinition, def *SourceDefinition, err error) error {
	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	r.ec.SetException(runtime.Exception{
		Message:       err.Error(),
		OffendingData: runtime.SourceLabel(step.Name, def.Name),
	})
	return &domain.ExecutionError{
		Kind:          domain.ErrSourceFailed,
		Stage:         "step." + step.Name,
		Source:        def.Name,
		Context:       r.failureSnapshot(),
		ReturnContext: r.ec.Debug() || r.ec.ReturnContext(),
		Err:           err,
	}
}

// stepResult turns a resolved transform into the step's result map; a
// non-object wildcard value is kept under the wildcard key.
func stepResult(resolved map[string]any) map[string]any {
	v := transform.Value(resolved)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{transform.Wildcard: v}
}
