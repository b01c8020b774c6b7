// pycomplete/config_watch.go
// Hot reload of the JSON config file.
package pycomplete

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 300 * time.Millisecond

// ReloadFunc receives the freshly loaded and validated configuration.
type ReloadFunc func(Config) error

// ConfigWatcher reloads a config file when it changes on disk. The parent
// directory is watched so editors that save by rename are seen too.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewConfigWatcher starts watching path. Call Close to stop.
func NewConfigWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: creating fsnotify watcher: %w", ErrConfig, err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: watching %s: %w", ErrConfig, dir, err)
	}
	cw := &ConfigWatcher{
		path:     filepath.Clean(path),
		watcher:  w,
		onReload: onReload,
		debounce: defaultReloadDebounce,
		logger:   logger.With("component", "ConfigWatcher", "path", path),
		done:     make(chan struct{}),
	}
	go cw.watchLoop()
	return cw, nil
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cw.logger.Debug("Config file event", "op", event.Op.String())
				cw.scheduleReload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Error("Config reload failed", "error", err)
		}
	})
}

// reload builds a config from defaults plus the file. A file that fails to
// parse or validate leaves the running configuration untouched.
func (cw *ConfigWatcher) reload() error {
	cfg := getDefaultConfig()
	loaded, err := LoadAndMergeConfig(cw.path, &cfg, cw.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !loaded {
		cw.logger.Debug("Config file missing or empty after change, keeping current configuration")
		return nil
	}
	if err := cfg.Validate(cw.logger); err != nil {
		return err
	}
	cw.logger.Info("Config file changed, applying")
	if cw.onReload == nil {
		return nil
	}
	return cw.onReload(cfg)
}

// Close stops watching and waits for the event loop to exit.
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	err := cw.watcher.Close()
	<-cw.done
	return err
}
