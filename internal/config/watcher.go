package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces the burst of filesystem events editors emit
// into one reload.
const debounceWindow = 300 * time.Millisecond

// Watcher reloads the configuration when its file changes and hands the
// new value to a callback. The callback runs on the watcher goroutine.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Config)
}

func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger.Named("config"),
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled. A config that fails to load or
// validate is logged and skipped; the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: editors replace files, which retargets a
	// file-level watch.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("Watching configuration", zap.String("path", w.path))

	var debounce *time.Timer
	var debounceC <-chan time.Time
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceC = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Ignoring invalid config change", zap.Error(err))
		return
	}
	w.logger.Info("Configuration reloaded", zap.Int("zones", len(cfg.Zones)))
	w.onChange(cfg)
}
