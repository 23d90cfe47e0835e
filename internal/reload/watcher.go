// Package reload hot-swaps the agent configuration when the config file
// changes on disk. A reload that fails validation is logged and discarded;
// the active configuration stays in force.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/faultline-io/chaos-agent/internal/config"
	"github.com/faultline-io/chaos-agent/internal/engine"
)

// debounce coalesces the burst of fsnotify events editors and atomic-rename
// writers produce for a single save.
const debounce = 200 * time.Millisecond

// Watcher reloads the engine configuration on file change.
type Watcher struct {
	logger *zap.Logger
	engine *engine.Engine
	path   string
}

// New creates a watcher for the given config file.
func New(logger *zap.Logger, eng *engine.Engine, path string) *Watcher {
	return &Watcher{logger: logger, engine: eng, path: path}
}

// Run watches until ctx is canceled. The parent directory is watched rather
// than the file itself so rename-based atomic writes keep working.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.logger.Info("watching configuration", zap.String("path", w.path))

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping active configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := w.engine.SetConfig(cfg); err != nil {
		w.logger.Error("config reload rejected, keeping active configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
}
