package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
)

func TestSourceRegistryResolve(t *testing.T) {
	srcs := NewSourceRegistry()
	p := &recorder{}
	srcs.Register("http", "v1", p.factory, "rest")
	srcs.Register("http", "v2", p.factory)

	cases := map[string]string{
		"http":    "http@v1",
		"http@v1": "http@v1",
		"http@v2": "http@v2",
		"rest":    "http@v1",
		" http ":  "http@v1",
	}
	for raw, canonical := range cases {
		_, meta, ok := srcs.Resolve(raw)
		require.True(t, ok, raw)
		assert.Equal(t, canonical, meta.Canonical, raw)
	}

	for _, raw := range []string{"http@v3", "grpc", ""} {
		_, _, ok := srcs.Resolve(raw)
		assert.False(t, ok, raw)
	}
	assert.Equal(t, []string{"http@v1", "http@v2"}, srcs.Types())
}

func TestCompileDerivesMeta(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p, err := reg.Compile(context.Background(), parseDoc(t, "id: a\nname: n\nversion: \"2\"\nmethod: post\npath: /proxy/orders/detail\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigMeta{ID: "a", Name: "n", Service: "orders", Method: "POST", Path: "/proxy/orders/detail", Version: "2"}, p.Meta())
	assert.Zero(t, reg.Len())

	other, err := NewCompiler(CompilerConfig{RoutePrefix: "/api/"})
	require.NoError(t, err)
	p, err = other.Compile(context.Background(), &config.Document{Method: "GET", Path: "/api/billing/x"})
	require.NoError(t, err)
	assert.Equal(t, "billing", p.Meta().Service)

	p, err = other.Compile(context.Background(), &config.Document{Method: "GET", Path: "/apis/x"})
	require.NoError(t, err)
	assert.Equal(t, "apis", p.Meta().Service)
}

func TestCompileNamesUnnamedSteps(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p, err := reg.Compile(context.Background(), parseDoc(t, `
method: GET
path: /proxy/x
steps:
  - sources:
      a: {type: fake}
  - name: named
    sources: {}
`))
	require.NoError(t, err)
	steps := p.Definition().Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "step1", steps[0].Name)
	assert.Equal(t, "named", steps[1].Name)
	assert.Equal(t, "fake@v1", steps[0].Sources[0].Config.Type)
}

func TestCompileGeneratedNamesAvoidExplicitOnes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p, err := reg.Compile(context.Background(), parseDoc(t, `
method: GET
path: /proxy/auto
steps:
  - name: step2
    sources: {}
  - sources: {}
  - sources: {}
  - name: step3
    sources: {}
`))
	require.NoError(t, err)

	names := make([]string, 0, 4)
	for _, s := range p.Definition().Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"step2", "step4", "step5", "step3"}, names)
}

func TestCompileRejectsInvalidDocuments(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cases := map[string]*config.Document{
		"no method":   {Path: "/proxy/x"},
		"bad path":    {Method: "GET", Path: "proxy/x"},
		"dup step":    parseDoc(t, "method: GET\npath: /x\nsteps:\n  - name: a\n  - name: a\n"),
		"reserved":    parseDoc(t, "method: GET\npath: /x\nsteps:\n  - name: input\n"),
		"underscore":  parseDoc(t, "method: GET\npath: /x\nsteps:\n  - name: _debug\n"),
		"dotted":      parseDoc(t, "method: GET\npath: /x\nsteps:\n  - name: a.b\n"),
		"bad rule":    parseDoc(t, "method: GET\npath: /x\ninput:\n  params:\n    - field: id\n      rule: bogus_rule\n"),
		"bad source":  parseDoc(t, "method: GET\npath: /x\nsteps:\n  - sources:\n      a: {type: fake, unknown_field: 1}\n"),
		"bad cond":    parseDoc(t, "method: GET\npath: /x\nsteps:\n  - sources:\n      a: {type: fake, condition: \"((\"}\n"),
		"bad mapping": parseDoc(t, "method: GET\npath: /x\nresponse:\n  body:\n    mapping: {a: \"\"}\n"),
		"bad locale":  parseDoc(t, "method: GET\npath: /x\ninput:\n  locale: {path: x}\n"),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Compile(context.Background(), doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}

	_, err := reg.Compile(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
