package config

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// Watcher polls a config file and re-runs Load when its modification time moves.
// Listeners receive every successfully reloaded Config; invalid edits are logged
// and the previous Config stays current.
type Watcher struct {
	mu        sync.RWMutex
	path      string
	interval  time.Duration
	lastMod   time.Time
	current   *Config
	listeners []func(*Config)
	logger    *slog.Logger
	done      chan struct{}
}

// NewWatcher creates a watcher seeded with the already-loaded cfg.
func NewWatcher(path string, cfg *Config, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, interval: interval, current: cfg, logger: logger, done: make(chan struct{})}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run polls until ctx is cancelled. It is a no-op when no path was configured.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	if w.path == "" {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.reload()
			}
		}
	}
}

// Done is closed once Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return true
	}
	return false
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", slog.String("path", w.path), slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	w.logger.Info("config reloaded", slog.String("path", w.path))
	for _, fn := range listeners {
		fn(cfg)
	}
}
