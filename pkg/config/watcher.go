package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events an editor or
// atomic save emits into a single reload.
const debounceDelay = 200 * time.Millisecond

// Watcher re-reads the configuration file when it changes on disk and hands
// every valid new snapshot to the registered callback. Snapshots that fail
// to load or validate are logged and dropped; the running configuration is
// never replaced with a broken one.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher prepares a watcher for the file cfg was loaded from. It fails
// when the configuration came from defaults only, since there is no file to
// watch.
func NewWatcher(cfg *Config, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("configuration was not loaded from a file, nothing to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     cfg.Path(),
		onChange: onChange,
		logger:   logger.With("component", "config-watcher", "config_file", cfg.Path()),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched rather than
// the file itself so atomic replace-by-rename saves keep being seen.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()

	w.logger.Info("Watching configuration file for changes")
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) run() {
	var debounce <-chan time.Time
	base := filepath.Base(w.path)

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			debounce = time.After(debounceDelay)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Configuration watch error", "error", err)

		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring configuration change: reload failed", "error", err)
		return
	}
	w.logger.Info("Configuration file changed")
	w.onChange(cfg)
}
