package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is called with the freshly loaded configuration after the
// config file changes on disk.
type ReloadCallback func(cfg *Config)

// Watcher monitors the configuration file and reloads it on change.
// Writes are debounced so editors that write in several steps trigger a
// single reload.
type Watcher struct {
	watcher       *fsnotify.Watcher
	configPath    string
	debounce      time.Duration
	onReload      ReloadCallback
	done          chan struct{}
	debounceTimer *time.Timer
	mu            sync.Mutex
	stopOnce      sync.Once
}

// NewWatcher creates a config file watcher
func NewWatcher(configPath string, onReload ReloadCallback) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:    watcher,
		configPath: filepath.Clean(configPath),
		debounce:   200 * time.Millisecond,
		onReload:   onReload,
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives rename-based atomic saves.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.configPath).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		log.Error().Err(err).Str("path", w.configPath).Msg("Config reload failed, keeping previous config")
		return
	}

	log.Info().Str("path", w.configPath).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
