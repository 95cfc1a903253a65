// Package cos is the typed client for the COS manuscript store.
//
// The store keeps every chapter as a chain of content-addressed revisions.
// Writes are compare-and-swap: each one names the revision the caller
// expects to replace, and the server rejects it with 409 when that
// revision is no longer the head.
package cos

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Section is one of the three manuscript sections.
type Section string

const (
	SectionFront Section = "front"
	SectionBody  Section = "body"
	SectionBack  Section = "back"
)

// Valid reports whether s names a known section.
func (s Section) Valid() bool {
	switch s {
	case SectionFront, SectionBody, SectionBack:
		return true
	}
	return false
}

// ParseSection converts a string into a Section.
func ParseSection(s string) (Section, error) {
	sec := Section(strings.ToLower(strings.TrimSpace(s)))
	if !sec.Valid() {
		return "", fmt.Errorf("invalid section %q (want front, body or back)", s)
	}
	return sec, nil
}

// Hash is a content hash identifying one revision. The zero value means
// "no revision" and encodes as JSON null.
type Hash string

// IsZero reports whether h names no revision.
func (h Hash) IsZero() bool { return h == "" }

// String returns the hash, or "-" for the zero hash.
func (h Hash) String() string {
	if h == "" {
		return "-"
	}
	return string(h)
}

// MarshalJSON encodes the zero hash as null.
func (h Hash) MarshalJSON() ([]byte, error) {
	if h == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(h))
}

// UnmarshalJSON accepts a string or null.
func (h *Hash) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	*h = Hash(s)
	return nil
}

// ChapterRef identifies one chapter.
type ChapterRef struct {
	BookID  string  `json:"bookId"`
	Section Section `json:"section"`
	Slug    string  `json:"slug"`
}

// Validate checks that every part of the reference is usable in a path.
func (r ChapterRef) Validate() error {
	if strings.TrimSpace(r.BookID) == "" {
		return fmt.Errorf("chapter ref: book id is required")
	}
	if !r.Section.Valid() {
		return fmt.Errorf("chapter ref: invalid section %q", r.Section)
	}
	if strings.TrimSpace(r.Slug) == "" {
		return fmt.Errorf("chapter ref: slug is required")
	}
	return nil
}

// IsZero reports whether the reference is empty.
func (r ChapterRef) IsZero() bool {
	return r.BookID == "" && r.Section == "" && r.Slug == ""
}

func (r ChapterRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.BookID, r.Section, r.Slug)
}

// ChapterContent is the chapter document returned by the chapter endpoints.
type ChapterContent struct {
	Slug             string         `json:"slug"`
	Title            string         `json:"title"`
	ContentDraft     *string        `json:"content_draft"`
	ContentPublished *string        `json:"content_published"`
	WordCount        int            `json:"word_count"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ContentHash      Hash           `json:"content_hash,omitempty"`
}

// Body returns content_draft, falling back to content_published and then
// to the empty string.
func (c *ChapterContent) Body() string {
	if c.ContentDraft != nil {
		return *c.ContentDraft
	}
	if c.ContentPublished != nil {
		return *c.ContentPublished
	}
	return ""
}

// ChapterResult is a fetched chapter plus the hash of the revision served.
type ChapterResult struct {
	Chapter     ChapterContent
	Content     string
	Title       string
	ContentHash Hash
}

// SaveRequest is the body of a chapter or draft PUT. ExpectedHead travels
// in the body; the server compares it with its own head before writing.
type SaveRequest struct {
	Title        string         `json:"title"`
	Content      string         `json:"content_draft"`
	ExpectedHead Hash           `json:"expected_head"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AcceptRequest promotes the draft into live when both heads still match.
type AcceptRequest struct {
	ExpectedDraftHead Hash   `json:"expected_draft_head"`
	ExpectedLiveHead  Hash   `json:"expected_live_head"`
	Actor             string `json:"actor,omitempty"`
}

// RevertRequest moves a chapter's head back to TargetHash.
type RevertRequest struct {
	TargetHash   Hash `json:"target_hash"`
	ExpectedHead Hash `json:"expected_head"`
}

// HeadRequest carries only a precondition (publish, delete).
type HeadRequest struct {
	ExpectedHead Hash `json:"expected_head"`
}

// ReorderRequest sets the chapter order of one section.
type ReorderRequest struct {
	ChapterSlugs []string `json:"chapter_slugs"`
	ExpectedHead Hash     `json:"expected_head"`
}

// InitializeRequest creates an empty manuscript.
type InitializeRequest struct {
	Title string `json:"title"`
}

// VersionResponse is the body returned by write endpoints.
type VersionResponse struct {
	ContentHash Hash   `json:"content_hash"`
	WordCount   int    `json:"word_count"`
	CreatedAt   string `json:"created_at"`
	ParentHash  Hash   `json:"parent_hash"`
}

// RemoteVersion is one server-side revision.
type RemoteVersion struct {
	ContentHash Hash      `json:"contentHash"`
	ParentHash  Hash      `json:"parentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WriteResult is the outcome of a successful write.
type WriteResult struct {
	Response    VersionResponse
	ContentHash Hash
}

// Version converts the result into a RemoteVersion. A missing or
// unparseable created_at falls back to now.
func (w *WriteResult) Version(now time.Time) RemoteVersion {
	created, ok := parseTimestamp(w.Response.CreatedAt)
	if !ok {
		created = now
	}
	return RemoteVersion{
		ContentHash: w.ContentHash,
		ParentHash:  w.Response.ParentHash,
		CreatedAt:   created,
	}
}

// AcceptResponse is the body returned by draft/accept.
type AcceptResponse struct {
	ContentHash           Hash `json:"content_hash"`
	WordCount             int  `json:"word_count"`
	AcceptedFromDraftHash Hash `json:"accepted_from_draft_hash"`
}

// AcceptResult is the outcome of a successful promotion.
type AcceptResult struct {
	Response    AcceptResponse
	ContentHash Hash
}

// HistoryEntry is one element of a CAS history listing.
type HistoryEntry struct {
	Hash       Hash           `json:"hash"`
	ParentHash Hash           `json:"parent_hash"`
	CreatedAt  string         `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BookSection is one section of a manuscript structure.
type BookSection struct {
	SectionType Section          `json:"section_type"`
	Chapters    []ChapterContent `json:"chapters"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Manuscript is the full structure of one book.
type Manuscript struct {
	BookID    string      `json:"book_id"`
	Title     string      `json:"title"`
	Front     BookSection `json:"front"`
	Body      BookSection `json:"body"`
	Back      BookSection `json:"back"`
	Version   int         `json:"version"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

// BookRecord is the catalogue entry of a book.
type BookRecord struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	BookCode       string  `json:"book_code"`
	Title          string  `json:"title"`
	SeriesID       *string `json:"series_id"`
	SeriesPosition *int    `json:"series_position"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	PublishedAt    *string `json:"published_at"`
}

// HealthResult is the outcome of a reachability probe.
type HealthResult struct {
	OK      bool
	Latency time.Duration
}

// LatencyMs returns the probe latency rounded to milliseconds.
func (h HealthResult) LatencyMs() int64 {
	return h.Latency.Round(time.Millisecond).Milliseconds()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
