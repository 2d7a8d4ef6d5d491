package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
)

// recorder observes what fake sources did during a run.
type recorder struct {
	mu       sync.Mutex
	prepared []string
	executed []string
	running  int
	peak     int
}

func (p *recorder) snapshot() (prepared, executed []string, peak int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prepared...), append([]string(nil), p.executed...), p.peak
}

type fakeConfig struct {
	Body  any              `json:"body"`
	Delay runtime.Duration `json:"delay"`
	Fail  string           `json:"fail"`
	Skip  bool             `json:"skip"`
}

type fakeSource struct {
	id       string
	cfg      fakeConfig
	recorder *recorder
}

func (p *recorder) factory(cfg runtime.SourceConfig) (runtime.Source, error) {
	var c fakeConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &fakeSource{id: cfg.Step + "." + cfg.Name, cfg: c, recorder: p}, nil
}

func (s *fakeSource) Prepare(context.Context, *runtime.ExecutionContext) error {
	s.recorder.mu.Lock()
	s.recorder.prepared = append(s.recorder.prepared, s.id)
	s.recorder.mu.Unlock()
	return nil
}

func (s *fakeSource) ShouldRun(*runtime.ExecutionContext) bool { return !s.cfg.Skip }

func (s *fakeSource) Execute(ctx context.Context) (runtime.SourceResult, error) {
	s.recorder.mu.Lock()
	s.recorder.running++
	if s.recorder.running > s.recorder.peak {
		s.recorder.peak = s.recorder.running
	}
	s.recorder.mu.Unlock()
	defer func() {
		s.recorder.mu.Lock()
		s.recorder.running--
		s.recorder.executed = append(s.recorder.executed, s.id)
		s.recorder.mu.Unlock()
	}()

	if d := s.cfg.Delay.Std(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return runtime.SourceResult{}, ctx.Err()
		}
	}
	if s.cfg.Fail != "" {
		return runtime.SourceResult{Retries: 2}, errors.New(s.cfg.Fail)
	}
	return runtime.SourceResult{
		Request:  map[string]any{"source": s.id},
		Response: runtime.Message{Headers: map[string]any{"status": 200}, Body: runtime.CloneValue(s.cfg.Body)},
	}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	p := &recorder{}
	srcs := NewSourceRegistry()
	srcs.Register("fake", "v1", p.factory, "mock")

	compiler, err := NewCompiler(CompilerConfig{Sources: srcs})
	require.NoError(t, err)
	reg, err := NewRegistry(RegistryConfig{Compiler: compiler})
	require.NoError(t, err)
	return reg, p
}

func parseDoc(t *testing.T, raw string) *config.Document {
	t.Helper()
	doc, err := config.ParseDocument([]byte(raw))
	require.NoError(t, err)
	return doc
}

func mustPut(t *testing.T, reg *Registry, raw string) *Pipeline {
	t.Helper()
	p, err := reg.Put(context.Background(), parseDoc(t, raw))
	require.NoError(t, err)
	return p
}

func get(path string, params map[string]any) domain.ClientInput {
	return domain.ClientInput{Method: "GET", Path: path, Params: params, Headers: map[string]any{}}
}
