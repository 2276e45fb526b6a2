package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Reload is an accepted change of the watched file. Diff compares Old and New.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// fileStamp identifies a version of the file.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and publishes each valid change as a [Reload].
// A change is detected by modification time and confirmed by content hash.
// Invalid content is reported once and otherwise ignored; the last valid
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	reloads chan Reload
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and returns a watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
		reloads:  make(chan Reload, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads delivers accepted changes. When the reader falls behind, pending
// reloads are merged so that Old is the config the reader last saw.
func (w *Watcher) Reloads() <-chan Reload { return w.reloads }

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := w.Check()
			switch {
			case err != nil:
				w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			case changed:
				w.log.Info("config watcher: configuration reloaded", "path", w.path)
			}
		}
	}
}

// Check polls the file once. It reports whether a new config was accepted.
// An error means the file changed but could not be read or validated; the
// same content is not reported twice.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	seen := w.stamp
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) {
		return false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	stamp := fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}

	w.mu.Lock()
	defer w.mu.Unlock()

	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		return false, nil
	}
	w.stamp = stamp

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return false, err
	}

	old := w.current
	w.current = cfg
	w.publish(old, cfg)
	return true, nil
}

// publish queues a reload, folding it into one still pending. Must be called
// with w.mu held.
func (w *Watcher) publish(old, cfg *Config) {
	select {
	case pending := <-w.reloads:
		old = pending.Old
	default:
	}
	w.reloads <- Reload{Old: old, New: cfg, Diff: Diff(old, cfg)}
}

// read loads and validates the file and returns its stamp.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
