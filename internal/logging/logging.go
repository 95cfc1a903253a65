// Package logging builds the slog loggers used across coseditor.
//
// Manuscript text and credentials never reach the log: attributes that
// carry chapter content or secrets are replaced before the handler
// formats them. Revision hashes are kept.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "text" and "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file when Output includes a file.
	FilePath string

	MaxSizeMB  int64
	MaxBackups int
	AddSource  bool

	// Writer, when set, replaces Output entirely.
	Writer io.Writer

	// Component tags every record.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxSizeMB:  20,
		MaxBackups: 3,
		Component:  "coseditor",
	}
}

// FromSettings builds a Config from the string values of the [logging]
// settings section. Empty values keep the defaults.
func FromSettings(level, format, output, filePath string) (*Config, error) {
	cfg := DefaultConfig()
	if level != "" {
		lvl, err := ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	cfg.Format = f

	switch o := strings.ToLower(output); o {
	case "":
	case "stdout", "stderr", "file", "both":
		cfg.Output = o
	default:
		return nil, fmt.Errorf("unknown log output: %s", output)
	}
	cfg.FilePath = filePath
	if (cfg.Output == "file" || cfg.Output == "both") && filePath == "" {
		return nil, fmt.Errorf("log output %s needs a file path", cfg.Output)
	}
	return cfg, nil
}

// Logger wraps slog.Logger and owns the file it writes to, if any.
type Logger struct {
	*slog.Logger

	mu      sync.Mutex
	rotator *FileRotator
}

// SetDefault installs l as slog's default logger.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{}
	w, err := l.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) open(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(cfg.FilePath, cfg.MaxSizeMB*1024*1024, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(cfg.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	err := l.rotator.Close()
	l.rotator = nil
	return err
}

// WithChapter tags l with the chapter and mode a session works on.
func WithChapter(l *slog.Logger, ref, mode string) *slog.Logger {
	return l.With(slog.Group("chapter", slog.String("ref", ref), slog.String("mode", mode)))
}

// manuscriptKeys carry chapter text and are matched exactly.
var manuscriptKeys = map[string]bool{
	"content": true, "body": true, "text": true, "title": true,
	"content_draft": true, "content_published": true,
}

// secretKeys are matched as substrings of the lower-cased key.
var secretKeys = []string{
	"password", "secret", "token", "credential", "authorization",
	"cookie", "api_key", "apikey", "bearer",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	if strings.HasSuffix(k, "hash") || strings.HasSuffix(k, "head") {
		return false
	}
	if manuscriptKeys[k] {
		return true
	}
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
