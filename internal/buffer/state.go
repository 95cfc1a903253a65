package buffer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"coseditor/internal/cos"
)

// Mode selects which remote resource the buffer is bound to.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeDraft Mode = "draft"
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLive, ModeDraft:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q (want live or draft)", s)
}

// Invalid operations. These are returned before any network call.
var (
	ErrNoBuffer        = errors.New("no buffer is open")
	ErrNotDraftMode    = errors.New("accept requires a buffer open in draft mode")
	ErrNoDraftRevision = errors.New("no draft revision exists yet; save the draft before accepting it")
	ErrClosed          = errors.New("buffer engine is closed")
)

// State is a snapshot of the open buffer.
type State struct {
	BookID       string      `json:"bookId"`
	Section      cos.Section `json:"section"`
	Slug         string      `json:"slug"`
	Title        string      `json:"title"`
	Content      string      `json:"content"`
	Dirty        bool        `json:"dirty"`
	HeadHash     cos.Hash    `json:"headHash"`
	LiveHeadHash cos.Hash    `json:"liveHeadHash"`
	LastSavedAt  *time.Time  `json:"lastSavedAt"`
	WordCount    int         `json:"wordCount"`
	Mode         Mode        `json:"mode"`
}

// Ref returns the chapter the snapshot belongs to.
func (s State) Ref() cos.ChapterRef {
	return cos.ChapterRef{BookID: s.BookID, Section: s.Section, Slug: s.Slug}
}

// CountWords counts whitespace separated words.
func CountWords(content string) int {
	return len(strings.Fields(content))
}

// Operations that can end in a conflict.
const (
	OpSave   = "save"
	OpAccept = "accept"
)

// Conflict describes a rejected compare-and-swap write.
type Conflict struct {
	Operation string `json:"operation"`
	Mode      Mode   `json:"mode"`
	Message   string `json:"message"`
}

// EventKind distinguishes notifications.
type EventKind string

const (
	EventState    EventKind = "state"
	EventConflict EventKind = "conflict"
)

// Event is delivered to subscribers. State is set for EventState,
// Conflict for EventConflict.
type Event struct {
	Kind     EventKind
	State    State
	Conflict *Conflict
}

// session is the mutable buffer owned by the engine.
type session struct {
	ref          cos.ChapterRef
	mode         Mode
	title        string
	content      string
	dirty        bool
	headHash     cos.Hash
	liveHeadHash cos.Hash
	lastSavedAt  *time.Time

	// edits counts ApplyChanges calls so a save only clears dirty when no
	// edit arrived while it was in flight.
	edits uint64
}

func (s *session) snapshot() State {
	st := State{
		BookID:       s.ref.BookID,
		Section:      s.ref.Section,
		Slug:         s.ref.Slug,
		Title:        s.title,
		Content:      s.content,
		Dirty:        s.dirty,
		HeadHash:     s.headHash,
		LiveHeadHash: s.liveHeadHash,
		WordCount:    CountWords(s.content),
		Mode:         s.mode,
	}
	if s.lastSavedAt != nil {
		t := *s.lastSavedAt
		st.LastSavedAt = &t
	}
	return st
}

// saveTitle is the title sent on save; the slug stands in for an empty one.
func (s *session) saveTitle() string {
	if s.title != "" {
		return s.title
	}
	return s.ref.Slug
}
