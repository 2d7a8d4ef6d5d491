package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

// Applier publishes documents. The engine registry implements it.
type Applier interface {
	ReplaceAll(ctx context.Context, docs []*Document) error
	Apply(ctx context.Context, ev ChangeEvent) error
}

// SnapshotSource returns every stored document keyed by resource key.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (map[domain.ResourceKey][]byte, error)
}

// SyncerConfig wires the document sources of a Syncer. Store and Dir are
// both optional; when both are set the directory is the fallback used while
// the store is unavailable.
type SyncerConfig struct {
	Target         Applier
	Store          SnapshotSource
	Dir            *DirectoryProvider
	Feed           ChangeFeed
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

// Syncer keeps the registry in step with the configured document sources.
type Syncer struct {
	cfg    SyncerConfig
	logger *slog.Logger

	mu       sync.Mutex
	lastSync time.Time
	lastErr  error
}

// NewSyncer validates cfg and returns a Syncer.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Target == nil {
		return nil, errors.New("syncer requires a target")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{cfg: cfg, logger: logger}, nil
}

// Resync performs a full reload from the store, or from the directory when no
// store is configured or the store snapshot fails.
func (s *Syncer) Resync(ctx context.Context) error {
	docs, origin, err := s.collect(ctx)
	if err == nil {
		err = s.cfg.Target.ReplaceAll(ctx, docs)
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("config resync failed", "origin", origin, "error", err)
		return err
	}
	s.logger.Info("config resync complete", "origin", origin, "documents", len(docs))
	return nil
}

func (s *Syncer) collect(ctx context.Context) ([]*Document, string, error) {
	if s.cfg.Store != nil {
		docs, err := s.fromStore(ctx)
		if err == nil {
			return docs, "store", nil
		}
		if s.cfg.Dir == nil {
			return nil, "store", err
		}
		s.logger.Warn("config store unavailable, using directory fallback", "dir", s.cfg.Dir.Dir(), "error", err)
	}
	if s.cfg.Dir != nil {
		docs, err := s.cfg.Dir.Load()
		return docs, "directory", err
	}
	return nil, "none", nil
}

func (s *Syncer) fromStore(ctx context.Context) ([]*Document, error) {
	snapshot, err := s.cfg.Store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	keys := make([]domain.ResourceKey, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	docs := make([]*Document, 0, len(keys))
	var errs []error
	for _, key := range keys {
		doc, err := ParseDocument(snapshot[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		docs = append(docs, doc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return docs, nil
}

// Status reports the time and error of the last resync.
func (s *Syncer) Status() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}

// Run performs the initial resync, then follows the change feed, the
// directory watcher and the periodic resync until ctx is done. Only a failing
// initial resync is returned; later failures are logged and the previously
// published configs stay in place.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.Resync(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	if s.cfg.ResyncInterval > 0 {
		scheduler := gocron.NewScheduler(time.UTC)
		scheduler.SingletonModeAll()
		if _, err := scheduler.Every(s.cfg.ResyncInterval).WaitForSchedule().Do(func() {
			_ = s.Resync(ctx)
		}); err != nil {
			return fmt.Errorf("schedule resync: %w", err)
		}
		scheduler.StartAsync()
		defer scheduler.Stop()
	}

	if s.cfg.Dir != nil && s.cfg.Store == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.cfg.Dir.Watch(ctx, func() { _ = s.Resync(ctx) }); err != nil {
				s.logger.Error("directory watch stopped", "dir", s.cfg.Dir.Dir(), "error", err)
			}
		}()
	}

	if s.cfg.Feed != nil {
		events, err := s.cfg.Feed.Changes(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to changes: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				if err := s.cfg.Target.Apply(ctx, ev); err != nil {
					s.logger.Error("config change rejected", "type", ev.Type, "error", err)
				}
			}
		}()
	}

	<-ctx.Done()
	return nil
}
