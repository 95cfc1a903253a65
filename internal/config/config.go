// Package config handles configuration loading, validation, and persistence
// for coseditor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete editor configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Remote configures the manuscript store connection.
	Remote RemoteConfig `toml:"remote" json:"remote" yaml:"remote"`

	// Buffer configures the chapter buffer.
	Buffer BufferConfig `toml:"buffer" json:"buffer" yaml:"buffer"`

	// Capture configures todo polling.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Health configures the connection monitor.
	Health HealthConfig `toml:"health" json:"health" yaml:"health"`

	// Journal configures the local version journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Mirror configures the on-disk copy of the open buffer.
	Mirror MirrorConfig `toml:"mirror" json:"mirror" yaml:"mirror"`

	// Notify configures desktop notifications.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Metrics configures the metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// RemoteConfig holds the manuscript store connection settings.
type RemoteConfig struct {
	// APIURL is the base URL of the store API.
	APIURL string `toml:"api_url" json:"api_url" yaml:"api_url"`

	// TenantID is sent as X-Tenant-ID on every request.
	TenantID string `toml:"tenant_id" json:"tenant_id" yaml:"tenant_id"`

	// RequestTimeoutSec bounds each request. 0 disables the timeout.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// BufferConfig holds buffer settings.
type BufferConfig struct {
	// AutosaveMs is the debounce between the last edit and the autosave.
	AutosaveMs int `toml:"autosave_ms" json:"autosave_ms" yaml:"autosave_ms"`

	// Actor is recorded on draft promotions.
	Actor string `toml:"actor" json:"actor" yaml:"actor"`
}

// CaptureConfig holds capture settings.
type CaptureConfig struct {
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// HealthConfig holds connection monitor settings.
type HealthConfig struct {
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
	TimeoutSec  int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// JournalConfig holds version journal settings.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// MirrorConfig holds buffer mirror settings.
type MirrorConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir receives one file per mirrored chapter.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// DebounceMs is how long the file must be quiet before an external
	// edit is applied to the buffer.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	Desktop bool `toml:"desktop" json:"desktop" yaml:"desktop"`
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Remote: RemoteConfig{
			APIURL:   "http://localhost:8000",
			TenantID: "default",
		},
		Buffer: BufferConfig{
			AutosaveMs: 3000,
			Actor:      "user",
		},
		Capture: CaptureConfig{
			PollIntervalMs: 3000,
		},
		Health: HealthConfig{
			IntervalSec: 10,
			TimeoutSec:  5,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "journal.db"),
		},
		Mirror: MirrorConfig{
			Enabled:    false,
			Dir:        filepath.Join(dir, "mirror"),
			DebounceMs: 250,
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(PlatformLogDir(), "coseditor.log"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the extension: .toml, .json, .yaml or .yml; anything
// else is tried as TOML, JSON and YAML in turn. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := decodeJSON(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Mirror.Enabled {
		dirs = append(dirs, c.Mirror.Dir)
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base data directory.
// Uses platform-specific paths or the COSEDITOR_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv("COSEDITOR_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with COSEDITOR_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("COSEDITOR_API_URL"); v != "" {
		c.Remote.APIURL = v
	}
	if v := os.Getenv("COSEDITOR_TENANT_ID"); v != "" {
		c.Remote.TenantID = v
	}
	if v := os.Getenv("COSEDITOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COSEDITOR_DATA_DIR"); v != "" {
		c.Journal.Path = filepath.Join(v, "journal.db")
		c.Mirror.Dir = filepath.Join(v, "mirror")
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Remote:  c.Remote,
		Buffer:  c.Buffer,
		Capture: c.Capture,
		Health:  c.Health,
		Journal: c.Journal,
		Mirror:  c.Mirror,
		Notify:  c.Notify,
		Metrics: c.Metrics,
		Logging: c.Logging,
	}
}

// AutosaveDelay returns the autosave debounce.
func (c *Config) AutosaveDelay() time.Duration {
	return time.Duration(c.Buffer.AutosaveMs) * time.Millisecond
}

// PollInterval returns the capture poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalMs) * time.Millisecond
}

// HealthInterval returns the connection check interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSec) * time.Second
}

// HealthTimeout returns the timeout of one connection check.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutSec) * time.Second
}

// RequestTimeout returns the per-request timeout, 0 for none.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.RequestTimeoutSec) * time.Second
}

// MirrorDebounce returns the external edit debounce.
func (c *Config) MirrorDebounce() time.Duration {
	return time.Duration(c.Mirror.DebounceMs) * time.Millisecond
}
