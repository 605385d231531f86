package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileSource loads a catalog from a YAML document on disk.
type FileSource struct {
	Path   string
	Logger *slog.Logger
	// OnError runs when a changed file fails to load.
	OnError func(error)
}

// Load reads, decodes and validates the catalog file.
func (f FileSource) Load() (*Catalog, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read catalog %s: %w", f.Path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var spec CatalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("rbac: decode catalog: %w", err)
	}
	return NewCatalog(spec)
}

// Watch reloads the catalog into holder whenever the file changes, until ctx ends.
// A file that fails to load leaves the current catalog in place. onSwap, when set, runs
// after each successful swap.
func (f FileSource) Watch(ctx context.Context, holder *CatalogHolder, onSwap func(*Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rbac: catalog watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory and filter by name.
	dir := filepath.Dir(f.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("rbac: watch %s: %w", dir, err)
	}
	go f.loop(ctx, watcher, holder, onSwap)
	return nil
}

func (f FileSource) loop(ctx context.Context, watcher *fsnotify.Watcher, holder *CatalogHolder, onSwap func(*Catalog)) {
	defer watcher.Close()
	target := filepath.Clean(f.Path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			next, err := f.Load()
			if err != nil {
				f.logger().Error("rbac catalog reload", slog.String("path", f.Path), slog.Any("error", err))
				if f.OnError != nil {
					f.OnError(err)
				}
				continue
			}
			prev := holder.Swap(next)
			if prev == nil || prev.Version() != next.Version() {
				f.logger().Info("rbac catalog reloaded", slog.String("path", f.Path), slog.String("version", next.Version()))
			}
			if onSwap != nil {
				onSwap(next)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger().Warn("rbac catalog watcher", slog.Any("error", err))
		}
	}
}

func (f FileSource) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
