package domain

import (
	"strings"
)

// ResourceKey addresses one aggregation endpoint by exact method and path.
type ResourceKey struct {
	Method string
	Path   string
}

// NewResourceKey normalizes the method to upper case and trims the path.
func NewResourceKey(method, path string) ResourceKey {
	return ResourceKey{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		Path:   strings.TrimSpace(path),
	}
}

// ParseResourceKey parses the METHOD:/path form produced by String.
func ParseResourceKey(raw string) (ResourceKey, bool) {
	method, path, ok := strings.Cut(raw, ":")
	if !ok || method == "" || path == "" {
		return ResourceKey{}, false
	}
	return NewResourceKey(method, path), true
}

// String renders the key as METHOD:/path.
func (k ResourceKey) String() string {
	return k.Method + ":" + k.Path
}

// IsZero reports whether the key is unset.
func (k ResourceKey) IsZero() bool {
	return k.Method == "" && k.Path == ""
}

// ClientInput is the inbound request handed to a pipeline run.
type ClientInput struct {
	Path    string
	Method  string
	Headers map[string]any
	Params  map[string]any
	Body    any
	// ReturnContext asks for the execution context to be echoed in the response body.
	ReturnContext bool
}

// AggregationResult is the immutable outcome of a pipeline run.
type AggregationResult struct {
	Headers map[string]any
	Body    any
	// Context is a snapshot of the execution context at the end of the run.
	Context map[string]any
}

// ConfigMeta describes a compiled configuration for introspection.
type ConfigMeta struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Key returns the resource key the configuration is indexed under.
func (m ConfigMeta) Key() ResourceKey {
	return NewResourceKey(m.Method, m.Path)
}
