package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError is one finding about a setting. Warnings describe
// settings that work but deserve attention; they never fail validation.
type ValidationError struct {
	Field   string
	Message string
	Warning bool `json:"-"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the finding is non-fatal.
func (e *ValidationError) IsWarning() bool { return e.Warning }

// ValidationErrors is every finding from one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) filter(warnings bool) ValidationErrors {
	var out ValidationErrors
	for _, f := range e {
		if f.Warning == warnings {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the non-fatal findings.
func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }

// Errors returns the findings that fail validation.
func (e ValidationErrors) Errors() ValidationErrors { return e.filter(false) }

func (e ValidationErrors) HasErrors() bool { return len(e.Errors()) > 0 }

// RequiredFieldError reports a missing setting.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError reports a setting outside [min, max].
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}

// findings accumulates the result of Inspect.
type findings ValidationErrors

func (f *findings) fail(field, format string, args ...any) {
	*f = append(*f, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (f *findings) warn(field, format string, args ...any) {
	*f = append(*f, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (f *findings) add(e *ValidationError) { *f = append(*f, *e) }

func (f *findings) inRange(field string, v, min, max int) {
	if v < min || v > max {
		f.add(RangeError(field, min, max))
	}
}

// ValidateConfig checks c against the embedded schema and then applies the
// rules a schema cannot express. Only error-level findings make it fail.
func ValidateConfig(c *Config) error {
	if errs := Inspect(c); errs.HasErrors() {
		return errs
	}
	return nil
}

// Inspect returns every finding for c, warnings included.
func Inspect(c *Config) ValidationErrors {
	f := findings(validateSchema(c))

	if c.Version < 1 || c.Version > Version {
		f.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	// remote
	if !isValidURL(c.Remote.APIURL) {
		f.fail("remote.api_url", "invalid URL: %q (need http or https)", c.Remote.APIURL)
	}
	if strings.TrimSpace(c.Remote.TenantID) == "" {
		f.add(RequiredFieldError("remote.tenant_id"))
	}
	if c.Remote.RequestTimeoutSec < 0 {
		f.fail("remote.request_timeout_sec", "timeout cannot be negative")
	}

	// timings
	f.inRange("buffer.autosave_ms", c.Buffer.AutosaveMs, 100, 600000)
	f.inRange("capture.poll_interval_ms", c.Capture.PollIntervalMs, 250, 600000)
	if c.Health.IntervalSec < 1 {
		f.fail("health.interval_sec", "interval must be at least 1 second")
	}
	if c.Health.TimeoutSec < 1 || c.Health.TimeoutSec > c.Health.IntervalSec {
		f.fail("health.timeout_sec", "timeout must be at least 1 second and no longer than the interval")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		f.add(RequiredFieldError("journal.path"))
	}

	if m := c.Mirror; m.Enabled {
		switch {
		case m.Dir == "":
			f.add(RequiredFieldError("mirror.dir"))
		case !dirExists(expandPath(m.Dir)):
			f.warn("mirror.dir", "directory does not exist yet and will be created")
		}
		f.inRange("mirror.debounce_ms", m.DebounceMs, 50, 60000)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			f.fail("metrics.addr", "invalid listen address %q: %v", c.Metrics.Addr, err)
		}
	}

	inspectLogging(&f, &c.Logging)
	return ValidationErrors(f)
}

func inspectLogging(f *findings, l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		f.fail("logging.level", "unknown level %q (debug, info, warn or error)", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		f.fail("logging.format", "unknown format %q (text or json)", l.Format)
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			f.fail("logging.file_path", "output %q writes to a file but no path is set", l.Output)
		}
	default:
		f.fail("logging.output", "unknown output %q (stdout, stderr, file or both)", l.Output)
	}
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func expandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if raw == "" || err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
