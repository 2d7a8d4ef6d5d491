// Package storage persists aggregation documents for the config syncer. A
// store holds at most one document per resource key and per config id.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

// ErrInvalidRecord is returned when a record lacks its key or document.
var ErrInvalidRecord = errors.New("invalid config record")

// Record is one stored aggregation document.
type Record struct {
	Key      domain.ResourceKey
	ID       string
	Document []byte
}

func (r Record) validate() error {
	if r.Key.Method == "" || r.Key.Path == "" {
		return fmt.Errorf("%w: resource key is required", ErrInvalidRecord)
	}
	if len(r.Document) == 0 {
		return fmt.Errorf("%w: document is empty", ErrInvalidRecord)
	}
	return nil
}

// ConfigStore exposes persistence operations for aggregation documents.
type ConfigStore interface {
	// Snapshot returns every stored document keyed by resource key.
	Snapshot(ctx context.Context) (map[domain.ResourceKey][]byte, error)
	// Put stores rec, replacing any record sharing its key or its id.
	Put(ctx context.Context, rec Record) error
	// Delete removes the records carrying ids and reports how many were removed.
	Delete(ctx context.Context, ids ...string) (int, error)
	Close() error
}

// Options selects and configures a store backend.
type Options struct {
	// Driver is a database/sql driver name, or "" / "memory" for the
	// in-process store.
	Driver string
	DSN    string
	Table  string
}

// Open returns the store selected by opts.
func Open(ctx context.Context, opts Options) (ConfigStore, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		return OpenSQL(ctx, SQLConfig{Driver: opts.Driver, DSN: opts.DSN, Table: opts.Table})
	}
}
