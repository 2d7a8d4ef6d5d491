package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/engine"
	"github.com/polisai/polis-aggregator/pkg/sources"
)

const orderDoc = `
id: "1"
name: order
method: GET
path: /proxy/orders
input:
  params:
    - field: id
      rule: required,numeric
steps:
  - name: order
    sources:
      detail:
        type: static
        body: {total: 12}
response:
  headers:
    fixed: {x-aggregated: "yes"}
  body:
    mapping:
      total: order.requests.detail.response.body.total
      id: input.request.params.id
`

const failingDoc = `
id: "2"
method: POST
path: /proxy/broken
steps:
  - name: call
    sources:
      backend:
        type: static
        fail: backend unavailable
`

func newRegistry(t *testing.T, docs ...string) *engine.Registry {
	t.Helper()
	srcs := engine.NewSourceRegistry()
	builtins := sources.RegisterDefaults(srcs, sources.Options{})
	t.Cleanup(func() { _ = builtins.Close() })

	compiler, err := engine.NewCompiler(engine.CompilerConfig{Sources: srcs})
	require.NoError(t, err)
	reg, err := engine.NewRegistry(engine.RegistryConfig{Compiler: compiler})
	require.NoError(t, err)

	for _, raw := range docs {
		doc, err := config.ParseDocument([]byte(raw))
		require.NoError(t, err)
		_, err = reg.Put(context.Background(), doc)
		require.NoError(t, err)
	}
	return reg
}
