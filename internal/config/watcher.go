package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of file events into one reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatcherConfig configures an agents-file watcher.
type WatcherConfig struct {
	// Path is the agents file to watch (required).
	Path string

	// OnChange receives the reloaded definitions after each change
	// (required). It is called from a background goroutine.
	OnChange func([]AgentDefinition)

	// Debounce delays the reload after the last event. Default 250ms.
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher reloads agent definitions when the agents file changes on disk.
// Editors typically replace files by rename, so the watch is on the parent
// directory and events are filtered to the target file name.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func([]AgentDefinition)

	mu     sync.Mutex
	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher. Start begins watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watcher path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("watcher OnChange is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		onChange: cfg.OnChange,
	}, nil
}

// Start begins watching. It is a no-op if the watcher is already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.fw != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return err
	}
	w.fw = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchLoop(watchCtx, fw)
	return nil
}

// Close stops the watcher and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.fw
	w.fw = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			w.reload()
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.matches(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("agents watch error", "error", err)
		}
	}
}

func (w *Watcher) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == w.path
}

// reload parses the agents file and hands the definitions to OnChange. A
// file that fails to parse keeps the previous definitions in effect.
func (w *Watcher) reload() {
	defs, err := LoadAgentsFile(w.path)
	if err != nil {
		w.logger.Warn("agents file reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("agents file reloaded", "path", w.path, "agents", len(defs))
	w.onChange(defs)
}
