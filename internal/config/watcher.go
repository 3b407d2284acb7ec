package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file into a Store when it changes on disk.
// Invalid files are logged and ignored; the store keeps the last good
// configuration.
type Watcher struct {
	loader   *Loader
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Loader *Loader
	Store  *Store
	// Debounce coalesces bursts of writes; default 100ms.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// NewWatcher creates a watcher. It does nothing until Start.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil || cfg.Store == nil {
		return nil, fmt.Errorf("loader and store are required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		loader:   cfg.Loader,
		store:    cfg.Store,
		watcher:  fw,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file. Watching the
// directory keeps working across editors that save by rename.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.loader.GetConfigPath())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.wg.Add(1)
	go w.eventLoop()
	w.logger.Info().Str("path", w.loader.GetConfigPath()).Msg("Config watcher started")
	return nil
}

// Stop ends the watcher and waits for its goroutine.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	target := filepath.Clean(w.loader.GetConfigPath())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.Reload(); err != nil {
			w.logger.Warn().Err(err).Msg("Config reload rejected")
		}
	})
}

// Reload loads and validates the file and swaps it into the store.
func (w *Watcher) Reload() error {
	cfg, err := w.loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.store.Swap(cfg)
	w.logger.Info().Msg("Config reloaded")
	return nil
}
