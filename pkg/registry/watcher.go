package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of filesystem events from editors that write
// a file several times in quick succession.
const reloadDelay = 500 * time.Millisecond

// Watcher hot-reloads a registry from its catalog file on change.
type Watcher struct {
	logger   zerolog.Logger
	registry *Registry
	path     string
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher that reloads the registry from path.
func NewWatcher(logger zerolog.Logger, registry *Registry, path string) *Watcher {
	return &Watcher{
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		registry: registry,
		path:     path,
	}
}

// Start begins watching the catalog file until ctx is done. The containing
// directory is watched so atomic rename-into-place saves are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("path", w.path).Msg("Watching action catalog")
	return nil
}

// processEvents debounces filesystem events and reloads the catalog. A
// reload that fails validation leaves the running catalog untouched.
func (w *Watcher) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(w.path)) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := LoadFileInto(w.registry, w.path); err != nil {
		w.logger.Error().Err(err).Msg("Catalog reload failed, keeping current catalog")
		return
	}
	w.logger.Info().
		Int("actions", len(w.registry.List())).
		Msg("Catalog reloaded")
}
