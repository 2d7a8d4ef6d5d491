package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
)

// index is an immutable snapshot of the compiled configs. It is never
// mutated once published.
type index struct {
	byKey      map[domain.ResourceKey]*Pipeline
	byID       map[string]domain.ResourceKey
	generation uint64
}

func (ix *index) clone() *index {
	out := &index{
		byKey:      make(map[domain.ResourceKey]*Pipeline, len(ix.byKey)+1),
		byID:       make(map[string]domain.ResourceKey, len(ix.byID)+1),
		generation: ix.generation,
	}
	for k, p := range ix.byKey {
		out.byKey[k] = p
	}
	for id, k := range ix.byID {
		out.byID[id] = k
	}
	return out
}

// put indexes p, evicting the entry that previously carried p's id and the
// entry that previously sat at p's key.
func (ix *index) put(p *Pipeline) {
	key := p.Key()
	id := p.Meta().ID
	if id != "" {
		if old, ok := ix.byID[id]; ok {
			delete(ix.byKey, old)
		}
	}
	if prev, ok := ix.byKey[key]; ok {
		if prevID := prev.Meta().ID; prevID != "" && prevID != id {
			delete(ix.byID, prevID)
		}
	}
	ix.byKey[key] = p
	if id != "" {
		ix.byID[id] = key
	}
}

// Registry publishes compiled pipelines for exact (method, path) lookup.
// Readers never block: they load the current index through one atomic
// pointer. Writers serialize, clone the index, and publish a new one.
type Registry struct {
	compiler *Compiler
	logger   *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[index]
}

// RegistryConfig holds dependencies for creating a Registry.
type RegistryConfig struct {
	Compiler *Compiler
	Logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Compiler == nil {
		return nil, errors.New("registry requires a compiler")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{compiler: cfg.Compiler, logger: logger}
	r.current.Store(&index{
		byKey: map[domain.ResourceKey]*Pipeline{},
		byID:  map[string]domain.ResourceKey{},
	})
	return r, nil
}

// Compiler returns the compiler backing the registry.
func (r *Registry) Compiler() *Compiler {
	return r.compiler
}

// Compile builds the pipeline for doc without touching the index.
func (r *Registry) Compile(ctx context.Context, doc *config.Document) (*Pipeline, error) {
	return r.compiler.Compile(ctx, doc)
}

// Put compiles doc and indexes it. On failure the index is unchanged.
func (r *Registry) Put(ctx context.Context, doc *config.Document) (*Pipeline, error) {
	p, err := r.compiler.Compile(ctx, doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()
	next.put(p)
	next.generation++
	r.current.Store(next)

	r.logger.Info("aggregation config published",
		"config_id", p.Meta().ID,
		"resource_key", p.Key().String(),
		"generation", next.generation,
	)
	return p, nil
}

// Delete removes the configs carrying ids and reports how many were removed.
func (r *Registry) Delete(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cur.clone()
	removed := 0
	for _, id := range ids {
		key, ok := next.byID[id]
		if !ok {
			continue
		}
		delete(next.byID, id)
		delete(next.byKey, key)
		removed++
	}
	if removed == 0 {
		return 0
	}
	next.generation++
	r.current.Store(next)

	r.logger.Info("aggregation configs deleted", "count", removed, "generation", next.generation)
	return removed
}

// ReplaceAll compiles every document and publishes them as the complete
// index. If any document fails to compile, or two documents share a key or a
// config id, nothing is published and the joined errors are returned. The
// writer lock is held throughout, so a concurrent Put lands either before the
// swap (and is replaced) or after it.
func (r *Registry) ReplaceAll(ctx context.Context, docs []*config.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &index{
		byKey: make(map[domain.ResourceKey]*Pipeline, len(docs)),
		byID:  make(map[string]domain.ResourceKey, len(docs)),
	}

	var errs []error
	for _, doc := range docs {
		p, err := r.compiler.Compile(ctx, doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := next.byKey[p.Key()]; dup {
			errs = append(errs, fmt.Errorf("%w: configs %q and %q share %s",
				domain.ErrConfigInvalid, prev.Meta().ID, p.Meta().ID, p.Key()))
			continue
		}
		if id := p.Meta().ID; id != "" {
			if prevKey, dup := next.byID[id]; dup {
				errs = append(errs, fmt.Errorf("%w: config id %q is used by %s and %s",
					domain.ErrConfigInvalid, id, prevKey, p.Key()))
				continue
			}
		}
		next.put(p)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	next.generation = r.current.Load().generation + 1
	r.current.Store(next)

	r.logger.Info("aggregation configs reloaded", "count", len(next.byKey), "generation", next.generation)
	return nil
}

// Apply applies a change notification. The documents of a put event are
// published one by one; a failing document does not undo earlier ones.
func (r *Registry) Apply(ctx context.Context, ev config.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case config.ChangeDelete:
		r.Delete(ev.IDs...)
		return nil
	default:
		docs, err := ev.ParsedDocuments()
		if err != nil {
			return err
		}
		var errs []error
		for _, doc := range docs {
			if _, err := r.Put(ctx, doc); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Resolve returns the pipeline registered for exactly (method, path).
func (r *Registry) Resolve(method, path string) (*Pipeline, bool) {
	p, ok := r.current.Load().byKey[domain.NewResourceKey(method, path)]
	return p, ok
}

// Get returns the pipeline registered under a config id.
func (r *Registry) Get(id string) (*Pipeline, bool) {
	ix := r.current.Load()
	key, ok := ix.byID[id]
	if !ok {
		return nil, false
	}
	p, ok := ix.byKey[key]
	return p, ok
}

// List returns the metadata of every published config sorted by resource key.
func (r *Registry) List() []domain.ConfigMeta {
	ix := r.current.Load()
	out := make([]domain.ConfigMeta, 0, len(ix.byKey))
	for _, p := range ix.byKey {
		out = append(out, p.Meta())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Len returns the number of published configs.
func (r *Registry) Len() int {
	return len(r.current.Load().byKey)
}

// Generation counts index publications since the registry was created.
func (r *Registry) Generation() uint64 {
	return r.current.Load().generation
}
