package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of writes to the compiled manifest.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchCompiled reloads the registry whenever the compiled manifest is written or
// replaced. It blocks until ctx is cancelled.
func (r *Registry) WatchCompiled(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	dir := r.store.CompiledDir
	if dir == "" {
		return errors.New("no compiled firmware root configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create compiled dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so atomic replacements of the manifest are seen.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Base(r.store.CompiledManifestPath)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			if err := r.Load(); err != nil {
				r.log.Error().Err(err).Msg("reload registry after compiled manifest change")
				continue
			}
			r.log.Info().Str("path", r.store.CompiledManifestPath).Msg("compiled firmware manifest reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("compiled manifest watcher")
		}
	}
}
