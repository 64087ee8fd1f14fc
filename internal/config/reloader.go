package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the freshly loaded config after a debounced
// file-change event. Only tunables are expected to be hot-reloaded
// (breaker thresholds, backoff schedules, daily limits); wiring changes
// (browser.api_url, redis_addr, sqlite_path) take effect on next restart.
type ChangeCallback func(newCfg *Config)

// Reloader watches the config file's directory for changes and reloads it.
type Reloader struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	watcher *fsnotify.Watcher

	cbMu      sync.RWMutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReloader creates a Reloader for the config file at path.
func NewReloader(path string) *Reloader {
	return &Reloader{
		path:          path,
		debounceDelay: time.Second,
		stopCh:        make(chan struct{}),
	}
}

// OnChange registers a callback fired after every successful reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current returns the most recently loaded config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Start performs the initial load and begins watching for changes.
func (r *Reloader) Start() error {
	cfg, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	r.watcher = watcher

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	r.wg.Add(1)
	go r.watch()
	return nil
}

// Stop stops watching and releases the underlying inotify/kqueue handle.
func (r *Reloader) Stop() error {
	if r.watcher == nil {
		return nil
	}
	close(r.stopCh)
	err := r.watcher.Close()
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.wg.Wait()
	return err
}

func (r *Reloader) watch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	if _, err := os.Stat(r.path); err != nil {
		return
	}
	cfg, err := Load(r.path)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.cbMu.RLock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		go func(cb ChangeCallback) {
			defer func() { recover() }()
			cb(cfg)
		}(cb)
	}
}
