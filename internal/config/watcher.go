package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the config that was replaced, its successor and the
// [ConfigDiff] between them. It runs outside the watcher's lock.
type ReloadFunc func(old, new *Config, diff ConfigDiff)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in use.
var ErrUnchanged = errors.New("config: file unchanged")

// Watcher keeps a [Config] in step with the YAML file it came from. Changes
// are picked up by polling in [Watcher.Run] or on demand via
// [Watcher.Reload]. A rejected edit is reported once and the last valid
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu       sync.Mutex
	current  *Config
	applied  stamp
	rejected [sha256.Size]byte
}

// stamp identifies one version of the file on disk.
type stamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often [Watcher.Run] looks at the file. The default
// is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher holding the result. Nothing is
// polled until [Watcher.Run] is called.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onReload: onReload}
	for _, opt := range opts {
		opt(w)
	}

	data, st, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.applied = cfg, st
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.sync(false); err != nil && !errors.Is(err, ErrUnchanged) {
				slog.Debug("config: poll skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file regardless of its modification time and applies it
// when the content differs from the current config. It returns
// [ErrUnchanged] when there is nothing to apply.
func (w *Watcher) Reload() (ConfigDiff, error) {
	return w.sync(true)
}

func (w *Watcher) sync(force bool) (ConfigDiff, error) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config: cannot stat file", "path", w.path, "err", err)
			return ConfigDiff{}, err
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.applied.modTime) && info.Size() == w.applied.size
		w.mu.Unlock()
		if same {
			return ConfigDiff{}, ErrUnchanged
		}
	}

	data, st, err := readStamped(w.path)
	if err != nil {
		slog.Warn("config: cannot read file", "path", w.path, "err", err)
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if st.sum == w.applied.sum {
		w.applied = st
		w.mu.Unlock()
		return ConfigDiff{}, ErrUnchanged
	}
	repeat := st.sum == w.rejected
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = st.sum
		w.mu.Unlock()
		if !repeat {
			slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		}
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.applied = cfg, st
	w.rejected = [sha256.Size]byte{}
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config: reloaded", "path", w.path, "hot_changes", diff.Changed(), "restart_required", diff.RestartRequired)
	if w.onReload != nil {
		w.onReload(old, cfg, diff)
	}
	return diff, nil
}

func readStamped(path string) ([]byte, stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stamp{}, err
	}
	return data, stamp{modTime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
