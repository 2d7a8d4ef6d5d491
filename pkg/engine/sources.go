package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
)

// SourceMeta describes how a source type string resolved.
type SourceMeta struct {
	Kind      string
	Version   string
	Canonical string
}

// SourceRegistry maps source type strings to factories. Types are registered
// as kind@version plus optional aliases; an unversioned kind resolves to the
// first version registered for it.
type SourceRegistry struct {
	mu        sync.RWMutex
	factories map[string]runtime.SourceFactory
	aliases   map[string]string
}

// NewSourceRegistry returns an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{
		factories: make(map[string]runtime.SourceFactory),
		aliases:   make(map[string]string),
	}
}

// Register adds or replaces the factory for kind@version.
func (r *SourceRegistry) Register(kind, version string, factory runtime.SourceFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKey(kind, version)
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Resolve looks up the factory for a raw source type string.
func (r *SourceRegistry) Resolve(raw string) (runtime.SourceFactory, SourceMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw = strings.TrimSpace(raw)
	kind, version := parseSourceType(raw)
	canonical := canonicalKey(kind, version)
	if factory, ok := r.factories[canonical]; ok {
		return factory, SourceMeta{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if factory, ok := r.factories[alias]; ok {
			return factory, SourceMeta{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if factory, ok := r.factories[alias]; ok {
				return factory, SourceMeta{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, SourceMeta{}, false
}

// Types lists the canonical registered types in lexical order.
func (r *SourceRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for key := range r.factories {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func parseSourceType(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseSourceType(key)
	return version
}
