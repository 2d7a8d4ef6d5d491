// Package telemetry wires OpenTelemetry exporters and meters for the
// aggregation gateway.
//
// It centralises trace provider setup, owns the metric instruments recorded
// by pipeline runs, steps and sources, and exposes registry state to
// Prometheus so operators can correlate reloads with request behaviour.
package telemetry
