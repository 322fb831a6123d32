package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// snapshot is one successfully validated read of the watched file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and hands every validated change to a
// callback. Invalid edits are logged and skipped, so [Watcher.Current]
// always returns a config that passed [Validate].
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)
	log      *slog.Logger

	// reloadMu serialises checks between the poll loop and Reload.
	reloadMu sync.Mutex

	mu   sync.Mutex
	last snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval (default 5s).
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher reads path once, failing if it is not a valid config, and then
// polls it in the background until [Watcher.Stop]. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Reload re-reads the file immediately, ignoring its modification time. It
// reports whether a changed config was applied; an invalid file is an error
// and leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	return w.check(true)
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.check(false); err != nil {
				w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) check(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(prev.mtime) {
			return false, nil
		}
	}

	next, err := w.read()
	if err != nil {
		return false, err
	}
	changed := next.sum != prev.sum
	if !changed {
		// Touched, same content.
		next.cfg = prev.cfg
	}
	w.mu.Lock()
	w.last = next
	w.mu.Unlock()
	if !changed {
		return false, nil
	}

	d := Diff(prev.cfg, next.cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"live_changed", d.LiveChanged,
		"session_changed", d.SessionChanged,
		"audio_changed", d.AudioChanged,
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config watcher: changes take effect after restart", "fields", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg, d)
	}
	return true, nil
}

// read loads and validates the file, recording its checksum and mtime.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
