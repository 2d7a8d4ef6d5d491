package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/engine"
)

func TestRegisterDefaultsResolvesAliases(t *testing.T) {
	reg := engine.NewSourceRegistry()
	b := RegisterDefaults(reg, Options{})
	t.Cleanup(func() { _ = b.Close() })

	assert.Equal(t, []string{"http@v1", "rpc@v1", "sql@v1", "static@v1"}, reg.Types())

	for raw, canonical := range map[string]string{
		"http":      "http@v1",
		"http@v1":   "http@v1",
		"rest":      "http@v1",
		"grpc":      "rpc@v1",
		"database":  "sql@v1",
		"mock":      "static@v1",
		"static@v1": "static@v1",
	} {
		_, meta, ok := reg.Resolve(raw)
		require.True(t, ok, raw)
		assert.Equal(t, canonical, meta.Canonical, raw)
	}

	_, _, ok := reg.Resolve("http@v2")
	assert.False(t, ok)
}
