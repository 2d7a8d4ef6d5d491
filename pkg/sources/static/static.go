// Package static implements a source that answers with a fixed response,
// optionally after a delay. It backs fixtures and mocked backends.
package static

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
)

// Type is the source type this adapter registers under.
const Type = "static"

// ErrStaticFailure is returned by a source configured to fail.
var ErrStaticFailure = errors.New("static source failure")

// Config is the adapter-specific part of a source block.
type Config struct {
	Headers map[string]any   `json:"headers"`
	Body    any              `json:"body"`
	Delay   runtime.Duration `json:"delay"`
	// Fail makes Execute return an error carrying this message.
	Fail string `json:"fail"`
}

// Source replays its configured response.
type Source struct {
	name string
	cfg  Config
}

// Factory builds static sources.
func Factory(cfg runtime.SourceConfig) (runtime.Source, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Delay < 0 {
		return nil, errors.New("delay must not be negative")
	}
	return &Source{name: cfg.Name, cfg: c}, nil
}

// Prepare has nothing to resolve.
func (s *Source) Prepare(context.Context, *runtime.ExecutionContext) error {
	return nil
}

// ShouldRun always schedules the source.
func (s *Source) ShouldRun(*runtime.ExecutionContext) bool {
	return true
}

// Execute waits for the delay and returns the configured response.
func (s *Source) Execute(ctx context.Context) (runtime.SourceResult, error) {
	if d := s.cfg.Delay.Std(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return runtime.SourceResult{Name: s.name}, ctx.Err()
		case <-timer.C:
		}
	}
	if s.cfg.Fail != "" {
		return runtime.SourceResult{Name: s.name}, errors.Join(ErrStaticFailure, errors.New(s.cfg.Fail))
	}
	return runtime.SourceResult{
		Name:    s.name,
		Request: map[string]any{},
		Response: runtime.Message{
			Headers: runtime.CloneValue(s.cfg.Headers).(map[string]any),
			Body:    runtime.CloneValue(s.cfg.Body),
		},
	}, nil
}
