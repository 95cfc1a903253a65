// Package notify shows desktop notifications for events the writer
// should not miss: write conflicts, finished capture todos and a lost
// store connection.
package notify

import (
	"context"
	"log/slog"
)

// Urgency follows the freedesktop notification levels.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Notification is one message.
type Notification struct {
	Summary string
	Body    string
	Urgency Urgency
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// LogNotifier writes notifications to the log. It is the fallback when
// no desktop bus is reachable.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Urgency == UrgencyCritical {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, n.Summary, "body", n.Body, "urgency", n.Urgency.String())
	return nil
}

func (l *LogNotifier) Close() error { return nil }

// New returns a desktop notifier when desktop is true and the session bus
// answers, otherwise a LogNotifier.
func New(desktop bool, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if !desktop {
		return NewLogNotifier(logger)
	}
	n, err := NewDBusNotifier(logger)
	if err != nil {
		logger.With("component", "notify").Warn("desktop notifications unavailable, logging instead", "error", err)
		return NewLogNotifier(logger)
	}
	return n
}
