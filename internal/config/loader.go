package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses bursts of writes (editors often write twice).
const reloadDebounce = 100 * time.Millisecond

// Loader reads one settings file and, once watched, reloads it whenever
// its bytes change.
type Loader struct {
	path string

	mu        sync.RWMutex
	config    *Config
	digest    [sha256.Size]byte
	listeners []func(*Config)

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	errs      chan error
}

// NewLoader returns a Loader for path, or for ConfigPath() when path is
// empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		done: make(chan struct{}),
		errs: make(chan error, 4),
	}
}

func (l *Loader) Path() string { return l.path }

// Load reads, migrates and validates the file.
func (l *Loader) Load() (*Config, error) {
	cfg, sum, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config, l.digest = cfg, sum
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, sum, fmt.Errorf("read config: %w", err)
	}
	sum = sha256.Sum256(raw)

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, sum, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, l.path); err != nil {
			return nil, sum, fmt.Errorf("migrate config: %w", err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, sum, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, sum, nil
}

// Config returns the last configuration that loaded cleanly.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch reloads the file after it changes and hands the result to the
// OnChange listeners. Writes that leave the bytes unchanged are ignored.
// A file that fails to load is reported on Errors and the previous
// configuration stays in place.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so rename-over saves are seen.
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		w.Close()
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	l.watcher = w
	go l.run(w)
	return nil
}

func (l *Loader) run(w *fsnotify.Watcher) {
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	cfg, sum, err := l.read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.report(fmt.Errorf("reload config: %w", err))
		}
		return
	}

	l.mu.Lock()
	if sum == l.digest {
		l.mu.Unlock()
		return
	}
	l.config, l.digest = cfg, sum
	listeners := append([]func(*Config){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// OnChange registers fn for every successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Errors delivers reload failures. Failures are dropped while the buffer
// is full.
func (l *Loader) Errors() <-chan error { return l.errs }

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// LoadOrCreate loads the configuration from path, writing the defaults
// first if the file does not exist. The bool reports whether it was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Merge returns a copy of dst with every non-zero field of src applied.
// Booleans can only be switched on this way; use SetValue to clear one.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	if src.Version > 0 {
		result.Version = src.Version
	}

	if src.Remote.APIURL != "" {
		result.Remote.APIURL = src.Remote.APIURL
	}
	if src.Remote.TenantID != "" {
		result.Remote.TenantID = src.Remote.TenantID
	}
	if src.Remote.RequestTimeoutSec > 0 {
		result.Remote.RequestTimeoutSec = src.Remote.RequestTimeoutSec
	}

	if src.Buffer.AutosaveMs > 0 {
		result.Buffer.AutosaveMs = src.Buffer.AutosaveMs
	}
	if src.Buffer.Actor != "" {
		result.Buffer.Actor = src.Buffer.Actor
	}
	if src.Capture.PollIntervalMs > 0 {
		result.Capture.PollIntervalMs = src.Capture.PollIntervalMs
	}

	if src.Health.IntervalSec > 0 {
		result.Health.IntervalSec = src.Health.IntervalSec
	}
	if src.Health.TimeoutSec > 0 {
		result.Health.TimeoutSec = src.Health.TimeoutSec
	}

	if src.Journal.Enabled {
		result.Journal.Enabled = true
	}
	if src.Journal.Path != "" {
		result.Journal.Path = src.Journal.Path
	}

	if src.Mirror.Enabled {
		result.Mirror.Enabled = true
	}
	if src.Mirror.Dir != "" {
		result.Mirror.Dir = src.Mirror.Dir
	}
	if src.Mirror.DebounceMs > 0 {
		result.Mirror.DebounceMs = src.Mirror.DebounceMs
	}

	if src.Notify.Desktop {
		result.Notify.Desktop = true
	}
	if src.Metrics.Enabled {
		result.Metrics.Enabled = true
	}
	if src.Metrics.Addr != "" {
		result.Metrics.Addr = src.Metrics.Addr
	}

	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}

	return result
}
