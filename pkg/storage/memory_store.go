package storage

import (
	"context"
	"sync"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

// MemoryStore is an in-memory implementation of ConfigStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.ResourceKey]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[domain.ResourceKey]Record)}
}

// Snapshot returns a copy of every stored document.
func (s *MemoryStore) Snapshot(_ context.Context) (map[domain.ResourceKey][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.ResourceKey][]byte, len(s.records))
	for key, rec := range s.records {
		out[key] = append([]byte(nil), rec.Document...)
	}
	return out, nil
}

// Put stores rec.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID != "" {
		for key, existing := range s.records {
			if existing.ID == rec.ID {
				delete(s.records, key)
			}
		}
	}
	rec.Document = append([]byte(nil), rec.Document...)
	s.records[rec.Key] = rec
	return nil
}

// Delete removes the records carrying ids.
func (s *MemoryStore) Delete(_ context.Context, ids ...string) (int, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if want[rec.ID] {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
