package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome labels attached to run, step and source metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeSkipped     = "skipped"
	OutcomeSourceError = "source_error"
	OutcomeScriptError = "script_error"
	OutcomeCircuitOpen = "circuit_open"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	runCounter           metric.Int64Counter
	runLatencyHistogram  metric.Float64Histogram
	stepLatencyHistogram metric.Float64Histogram
	sourceCounter        metric.Int64Counter
	sourceRetryCounter   metric.Int64Counter
	sourceLatency        metric.Float64Histogram
)

// RunMetrics captures one pipeline run.
type RunMetrics struct {
	ConfigID string
	Service  string
	Method   string
	Path     string
	Outcome  string
	Duration time.Duration
}

// StepMetrics captures one step of a run.
type StepMetrics struct {
	ConfigID string
	Step     string
	Outcome  string
	Duration time.Duration
}

// SourceMetrics captures one source execution inside a step.
type SourceMetrics struct {
	ConfigID string
	Step     string
	Source   string
	Type     string
	Outcome  string
	Duration time.Duration
	Retries  int
}

// RecordRunMetrics emits the run counter and latency histogram.
func RecordRunMetrics(ctx context.Context, m RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("config.id", m.ConfigID),
		attribute.String("service.name", m.Service),
		attribute.String("http.method", m.Method),
		attribute.String("http.route", m.Path),
		attribute.String("outcome", m.Outcome),
	)
	runCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		runLatencyHistogram.Record(ctx, millis(m.Duration), attrs)
	}
}

// RecordStepMetrics emits the step latency histogram.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	stepLatencyHistogram.Record(ctx, millis(m.Duration), metric.WithAttributes(
		attribute.String("config.id", m.ConfigID),
		attribute.String("step.name", m.Step),
		attribute.String("outcome", m.Outcome),
	))
}

// RecordSourceMetrics emits counters and histograms describing a source execution.
func RecordSourceMetrics(ctx context.Context, m SourceMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("config.id", m.ConfigID),
		attribute.String("step.name", m.Step),
		attribute.String("source.name", m.Source),
		attribute.String("source.type", m.Type),
		attribute.String("outcome", m.Outcome),
	)

	sourceCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		sourceLatency.Record(ctx, millis(m.Duration), attrs)
	}
	if m.Retries > 0 {
		sourceRetryCounter.Add(ctx, int64(m.Retries), attrs)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func resetInstruments() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	runCounter = nil
	runLatencyHistogram = nil
	stepLatencyHistogram = nil
	sourceCounter = nil
	sourceRetryCounter = nil
	sourceLatency = nil
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("aggregator.pipeline")

		runCounter, metricsInitErr = meter.Int64Counter(
			"aggregator.pipeline.runs_total",
			metric.WithDescription("Pipeline runs partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"aggregator.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"aggregator.step.duration_ms",
			metric.WithDescription("Observed step latency including its transform"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceCounter, metricsInitErr = meter.Int64Counter(
			"aggregator.source.executions_total",
			metric.WithDescription("Source executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceRetryCounter, metricsInitErr = meter.Int64Counter(
			"aggregator.source.retries_total",
			metric.WithDescription("Retry attempts performed by sources"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceLatency, metricsInitErr = meter.Float64Histogram(
			"aggregator.source.duration_ms",
			metric.WithDescription("Observed source execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordValidationEvent attaches a coarse-grained validation event to the
// span without leaking the offending values.
func RecordValidationEvent(span trace.Span, failures int, locale string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("validation.failed", failures > 0),
		attribute.Int("validation.failures.count", failures),
	}
	if locale != "" {
		attrs = append(attrs, attribute.String("validation.locale", locale))
	}

	span.AddEvent("validation.event", trace.WithAttributes(attrs...))
}
