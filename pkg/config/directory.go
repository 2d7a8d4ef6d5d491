package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// DirectoryProvider loads aggregation documents from the *.yaml, *.yml and
// *.json files of one directory and reports changes to them.
type DirectoryProvider struct {
	dir    string
	logger *slog.Logger
}

// NewDirectoryProvider creates a provider for dir.
func NewDirectoryProvider(dir string, logger *slog.Logger) (*DirectoryProvider, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryProvider{dir: absPath, logger: logger}, nil
}

// Dir returns the watched directory.
func (p *DirectoryProvider) Dir() string {
	return p.dir
}

// Load parses every document file in lexical file order. Any unreadable or
// malformed file fails the whole load.
func (p *DirectoryProvider) Load() ([]*Document, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", p.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDocumentFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var docs []*Document
	var errs []error
	for _, name := range names {
		path := filepath.Join(p.dir, name)
		// #nosec G304 -- directory is configured at startup
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		parsed, err := ParseDocuments(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		docs = append(docs, parsed...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return docs, nil
}

// Watch calls onChange after document files in the directory change, with
// bursts of events collapsed into one call. It blocks until ctx is done.
func (p *DirectoryProvider) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	var mu sync.Mutex
	var debounceTimer *time.Timer
	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDocumentFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				if ctx.Err() != nil {
					return
				}
				p.logger.Info("document directory changed", "dir", p.dir)
				onChange()
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("directory watcher error", "dir", p.dir, "error", err)
		}
	}
}

func isDocumentFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
