package buffer

import (
	"context"
	"log/slog"
	"time"

	"coseditor/internal/clock"
	"coseditor/internal/cos"
)

// DefaultAutosaveDelay is the debounce between the last edit and the
// automatic save.
const DefaultAutosaveDelay = 3000 * time.Millisecond

// DefaultActor is sent with draft promotions when the caller names none.
const DefaultActor = "user"

// Store is the part of the manuscript client the engine uses.
type Store interface {
	FetchLive(ctx context.Context, ref cos.ChapterRef) (*cos.ChapterResult, error)
	FetchDraft(ctx context.Context, ref cos.ChapterRef) (*cos.ChapterResult, error)
	SaveLive(ctx context.Context, ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error)
	SaveDraft(ctx context.Context, ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error)
	PromoteDraftToLive(ctx context.Context, ref cos.ChapterRef, req cos.AcceptRequest) (*cos.AcceptResult, error)
}

// Recorder receives every revision the engine creates on the server.
type Recorder interface {
	RecordVersion(ctx context.Context, ref cos.ChapterRef, mode, operation string, v cos.RemoteVersion) error
}

// Metrics receives sync instrumentation.
type Metrics interface {
	SaveCompleted(mode string, d time.Duration, err error)
	ConflictDetected(operation string)
	AutosaveFailed()
	DraftAccepted()
	DirtyChanged(dirty bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for autosave and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAutosaveDelay overrides DefaultAutosaveDelay.
func WithAutosaveDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.autosaveDelay = d
		}
	}
}

// WithActor sets the actor used when AcceptDraft is called without one.
func WithActor(actor string) Option {
	return func(e *Engine) {
		if actor != "" {
			e.actor = actor
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
