package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/logging"
)

// debounceWindow coalesces the write/rename bursts editors and config
// management tools produce into a single reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads the source definition file when it changes on disk and
// applies the result to the registry. The parent directory is watched, not
// the file, so atomic replace-by-rename is picked up too.
type Watcher struct {
	path     string
	registry *Registry
	logger   *logging.Logger

	// OnChange, when set, runs after each successful reconcile with the ids
	// added and removed. The poller uses it to reschedule.
	OnChange func(added, removed []string)
}

// NewWatcher creates a watcher for the given sources file.
func NewWatcher(path string, reg *Registry, logger *logging.Logger) *Watcher {
	return &Watcher{
		path:     path,
		registry: reg,
		logger:   logger.WithComponent("source-watcher"),
	}
}

// LoadOnce loads the file and applies it, without watching. Used at startup
// before the watch loop begins.
func (w *Watcher) LoadOnce() error {
	sources, err := config.LoadSources(w.path)
	if err != nil {
		return err
	}
	added, removed := w.registry.Apply(sources)
	if w.OnChange != nil && (len(added) > 0 || len(removed) > 0) {
		w.OnChange(added, removed)
	}
	return nil
}

// Run watches the file until the context is cancelled. Reload failures are
// logged and the previous source set stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info().Str("path", w.path).Msg("watching sources file")

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if err := w.LoadOnce(); err != nil {
				w.logger.Error().Err(err).Msg("sources reload failed, keeping previous set")
				continue
			}
			w.logger.Info().Msg("sources reloaded")

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}
