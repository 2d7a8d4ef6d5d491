package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
)

func simpleDoc(id, method, path string) string {
	return fmt.Sprintf("id: %q\nmethod: %s\npath: %s\n", id, method, path)
}

func TestResolveIsExact(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("1", "GET", "/proxy/orders"))

	_, ok := reg.Resolve("get", "/proxy/orders")
	assert.True(t, ok)

	for _, miss := range []struct{ method, path string }{
		{"POST", "/proxy/orders"},
		{"GET", "/proxy/orders/"},
		{"GET", "/proxy/orders/1"},
		{"GET", "/proxy/Orders"},
		{"GET", "/proxy"},
	} {
		_, ok := reg.Resolve(miss.method, miss.path)
		assert.False(t, ok, "%s %s", miss.method, miss.path)
	}
}

func TestResolveExactProperty(t *testing.T) {
	reg, _ := newTestRegistry(t)
	segment := rapid.StringMatching(`[a-z]{1,4}`)
	registered := map[domain.ResourceKey]bool{}

	rapid.Check(t, func(t *rapid.T) {
		method := rapid.SampledFrom([]string{"GET", "POST", "DELETE"}).Draw(t, "method")
		path := "/" + segment.Draw(t, "a") + "/" + segment.Draw(t, "b")
		if rapid.Bool().Draw(t, "register") {
			key := domain.NewResourceKey(method, path)
			if !registered[key] {
				_, err := reg.Put(context.Background(), &config.Document{Method: method, Path: path})
				if err != nil {
					t.Fatalf("put: %v", err)
				}
				registered[key] = true
			}
		}

		probeMethod := rapid.SampledFrom([]string{"GET", "POST", "DELETE"}).Draw(t, "probeMethod")
		probePath := "/" + segment.Draw(t, "c") + "/" + segment.Draw(t, "d")
		p, ok := reg.Resolve(probeMethod, probePath)
		want := registered[domain.NewResourceKey(probeMethod, probePath)]
		if ok != want {
			t.Fatalf("resolve %s %s: got %v want %v", probeMethod, probePath, ok, want)
		}
		if ok && p.Key() != domain.NewResourceKey(probeMethod, probePath) {
			t.Fatalf("resolved wrong pipeline %s", p.Key())
		}
	})
}

func TestPutSameIDMovesKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("7", "GET", "/proxy/a"))
	mustPut(t, reg, simpleDoc("7", "GET", "/proxy/b"))

	_, ok := reg.Resolve("GET", "/proxy/a")
	assert.False(t, ok)
	p, ok := reg.Get("7")
	require.True(t, ok)
	assert.Equal(t, "/proxy/b", p.Key().Path)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, uint64(2), reg.Generation())
}

func TestPutSameKeyReplacesOtherID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("1", "GET", "/proxy/a"))
	mustPut(t, reg, simpleDoc("2", "GET", "/proxy/a"))

	_, ok := reg.Get("1")
	assert.False(t, ok)
	p, ok := reg.Resolve("GET", "/proxy/a")
	require.True(t, ok)
	assert.Equal(t, "2", p.Meta().ID)
}

func TestPutFailureKeepsIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("1", "GET", "/proxy/a"))

	_, err := reg.Put(context.Background(), parseDoc(t, "id: \"1\"\nmethod: GET\npath: /proxy/a\nsteps:\n  - sources:\n      x: {type: nope}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.ErrorIs(t, err, domain.ErrUnknownSource)

	_, ok := reg.Resolve("GET", "/proxy/a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), reg.Generation())
}

func TestDeleteByID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("1", "GET", "/proxy/a"))
	mustPut(t, reg, simpleDoc("2", "GET", "/proxy/b"))

	assert.Equal(t, 1, reg.Delete("1", "missing"))
	assert.Equal(t, 0, reg.Delete("missing"))
	_, ok := reg.Resolve("GET", "/proxy/a")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestReplaceAllIsAllOrNothing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("old", "GET", "/proxy/old"))

	err := reg.ReplaceAll(context.Background(), []*config.Document{
		parseDoc(t, simpleDoc("1", "GET", "/proxy/a")),
		parseDoc(t, simpleDoc("2", "GET", "/proxy/a")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, ok := reg.Resolve("GET", "/proxy/old")
	assert.True(t, ok)

	require.NoError(t, reg.ReplaceAll(context.Background(), []*config.Document{
		parseDoc(t, simpleDoc("1", "GET", "/proxy/a")),
		parseDoc(t, simpleDoc("2", "POST", "/proxy/a")),
	}))
	_, ok = reg.Resolve("GET", "/proxy/old")
	assert.False(t, ok)
	want := []domain.ConfigMeta{
		{ID: "1", Service: "a", Method: "GET", Path: "/proxy/a"},
		{ID: "2", Service: "a", Method: "POST", Path: "/proxy/a"},
	}
	if diff := cmp.Diff(want, reg.List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceAllRejectsDuplicateIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustPut(t, reg, simpleDoc("old", "GET", "/proxy/old"))
	gen := reg.Generation()

	err := reg.ReplaceAll(context.Background(), []*config.Document{
		parseDoc(t, simpleDoc("7", "GET", "/proxy/a")),
		parseDoc(t, simpleDoc("7", "GET", "/proxy/b")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.ErrorContains(t, err, `"7"`)
	assert.Equal(t, gen, reg.Generation())
	_, ok := reg.Resolve("GET", "/proxy/old")
	assert.True(t, ok)
}

func TestReplaceAllSerializesWithWriters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	docs := []*config.Document{parseDoc(t, simpleDoc("1", "GET", "/proxy/a"))}

	reg.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- reg.ReplaceAll(context.Background(), docs) }()

	select {
	case <-done:
		t.Fatal("ReplaceAll published while another writer held the index")
	case <-time.After(50 * time.Millisecond):
	}
	reg.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReplaceAll did not finish")
	}

	mustPut(t, reg, simpleDoc("2", "GET", "/proxy/b"))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, uint64(2), reg.Generation())
}

func TestApplyChangeEvents(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ev, err := config.NewPutEvent(parseDoc(t, simpleDoc("1", "GET", "/proxy/a")), parseDoc(t, simpleDoc("2", "GET", "/proxy/b")))
	require.NoError(t, err)
	require.NoError(t, reg.Apply(ctx, ev))
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Apply(ctx, config.ChangeEvent{Type: config.ChangeDelete, IDs: []string{"1"}}))
	assert.Equal(t, 1, reg.Len())

	assert.Error(t, reg.Apply(ctx, config.ChangeEvent{Type: config.ChangeDelete}))
}
