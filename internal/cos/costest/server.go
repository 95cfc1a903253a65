// Package costest provides an in-memory COS manuscript store for tests.
//
// The fake enforces the same compare-and-swap rules as the real store:
// every write names the head it expects, and a mismatch is answered with
// 409. Revisions are content addressed, so the hash of a revision is
// derived from its parent, title and content.
package costest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"coseditor/internal/cos"
)

// Variant selects the live or draft copy of a chapter.
type Variant string

const (
	Live  Variant = "live"
	Draft Variant = "draft"
)

// Revision is one stored revision.
type Revision struct {
	Hash      cos.Hash
	Parent    cos.Hash
	Title     string
	Content   string
	CreatedAt time.Time
}

type docKey struct {
	ref     cos.ChapterRef
	variant Variant
}

// Call records one request received by the fake.
type Call struct {
	Method string
	Path   string
	Tenant string
	Body   []byte
}

// Decode unmarshals the recorded request body.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Body, v)
}

type injected struct {
	status int
	body   string
}

// Server is a fake manuscript store.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	history   map[docKey][]Revision
	todos     map[string]*cos.CaptureSnapshot
	todoOrder []string
	calls     []Call
	failures  []injected
	healthy   bool
	nextTodo  int
	books     []cos.BookRecord

	// HashHeader selects how the revision hash is returned:
	// "etag", "x-content-hash", "both" (default) or "body".
	HashHeader string
}

// NewServer starts a fake store. Close it with Server.Close.
func NewServer() *Server {
	s := &Server{
		history:    make(map[docKey][]Revision),
		todos:      make(map[string]*cos.CaptureSnapshot),
		healthy:    true,
		HashHeader: "both",
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Get("/health", s.handleHealth)

	r.Route("/manuscripts/{book}/chapters/{section}/{slug}", func(r chi.Router) {
		r.Get("/", s.handleGet(Live))
		r.Put("/", s.handlePut(Live))
		r.Get("/draft", s.handleGet(Draft))
		r.Put("/draft", s.handlePut(Draft))
		r.Post("/draft/accept", s.handleAccept)
		r.Post("/revert", s.handleRevert)
		r.Get("/history", s.handleHistory(Live))
		r.Get("/draft/history", s.handleHistory(Draft))
		r.Get("/versions/{hash}", s.handleVersion)
	})

	r.Get("/books", s.handleListBooks)
	r.Get("/books/{id}", s.handleGetBook)

	r.Route("/capture/todos", func(r chi.Router) {
		r.Post("/", s.handleCreateTodo)
		r.Get("/", s.handleListTodos)
		r.Get("/{id}", s.handleGetTodo)
		r.Get("/{id}/snapshot", s.handleSnapshot)
	})

	return r
}

// record stores the call and serves any injected failure.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Tenant: r.Header.Get(cos.HeaderTenantID),
			Body:   body,
		})
		var fail *injected
		if len(s.failures) > 0 {
			f := s.failures[0]
			s.failures = s.failures[1:]
			fail = &f
		}
		s.mu.Unlock()

		if fail != nil {
			w.WriteHeader(fail.status)
			_, _ = io.WriteString(w, fail.body)
			return
		}
		if r.Header.Get(cos.HeaderTenantID) == "" {
			writeError(w, http.StatusBadRequest, "missing X-Tenant-ID")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailNext makes the next request fail with status and body.
func (s *Server) FailNext(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, injected{status: status, body: body})
}

// SetHealthy toggles the /health answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the requests matching method and path.
func (s *Server) CallsTo(method, path string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Seed stores a revision directly, bypassing preconditions, and returns
// its hash.
func (s *Server) Seed(ref cos.ChapterRef, v Variant, title, content string) cos.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(docKey{ref, v}, title, content)
}

// Head returns the current head of a chapter variant.
func (s *Server) Head(ref cos.ChapterRef, v Variant) (Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headLocked(docKey{ref, v})
}

// SetBooks replaces the book catalogue.
func (s *Server) SetBooks(books ...cos.BookRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append([]cos.BookRecord(nil), books...)
}

// SetSnapshot replaces the stored snapshot of a capture todo.
func (s *Server) SetSnapshot(snap cos.CaptureSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.todos[snap.Todo.ID]; !ok {
		s.todoOrder = append(s.todoOrder, snap.Todo.ID)
	}
	copied := snap
	s.todos[snap.Todo.ID] = &copied
}

func (s *Server) headLocked(k docKey) (Revision, bool) {
	revs := s.history[k]
	if len(revs) == 0 {
		return Revision{}, false
	}
	return revs[len(revs)-1], true
}

func (s *Server) appendLocked(k docKey, title, content string) cos.Hash {
	head, _ := s.headLocked(k)
	rev := Revision{
		Hash:      revisionHash(head.Hash, title, content),
		Parent:    head.Hash,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.history[k] = append(s.history[k], rev)
	return rev.Hash
}

func revisionHash(parent cos.Hash, title, content string) cos.Hash {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return cos.Hash(hex.EncodeToString(h.Sum(nil))[:16])
}

func refFrom(r *http.Request) cos.ChapterRef {
	return cos.ChapterRef{
		BookID:  chi.URLParam(r, "book"),
		Section: cos.Section(chi.URLParam(r, "section")),
		Slug:    chi.URLParam(r, "slug"),
	}
}

func (s *Server) setHash(w http.ResponseWriter, h cos.Hash) {
	switch s.HashHeader {
	case "etag":
		w.Header().Set(cos.HeaderETag, `"`+string(h)+`"`)
	case "x-content-hash":
		w.Header().Set(cos.HeaderContentHash, string(h))
	case "body":
	default:
		w.Header().Set(cos.HeaderETag, `"`+string(h)+`"`)
		w.Header().Set(cos.HeaderContentHash, string(h))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.healthy
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGet(v Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFrom(r)
		s.mu.Lock()
		head, ok := s.headLocked(docKey{ref, v})
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s chapter %s not found", v, ref))
			return
		}
		s.setHash(w, head.Hash)
		writeJSON(w, http.StatusOK, chapterBody(ref, head, s.HashHeader == "body"))
	}
}

func chapterBody(ref cos.ChapterRef, rev Revision, withHash bool) cos.ChapterContent {
	content := rev.Content
	c := cos.ChapterContent{
		Slug:         ref.Slug,
		Title:        rev.Title,
		ContentDraft: &content,
		WordCount:    len(strings.Fields(rev.Content)),
		Metadata:     map[string]any{},
	}
	if withHash {
		c.ContentHash = rev.Hash
	}
	return c
}

func (s *Server) handlePut(v Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFrom(r)
		var req cos.SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		s.mu.Lock()
		k := docKey{ref, v}
		head, _ := s.headLocked(k)
		if head.Hash != req.ExpectedHead {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, fmt.Sprintf("expected head %s but current head is %s", req.ExpectedHead, head.Hash))
			return
		}
		hash := s.appendLocked(k, req.Title, req.Content)
		rev, _ := s.headLocked(k)
		s.mu.Unlock()

		s.setHash(w, hash)
		writeJSON(w, http.StatusOK, cos.VersionResponse{
			ContentHash: hash,
			WordCount:   len(strings.Fields(req.Content)),
			CreatedAt:   rev.CreatedAt.Format(time.RFC3339Nano),
			ParentHash:  rev.Parent,
		})
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ref := refFrom(r)
	var req cos.AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	draftKey, liveKey := docKey{ref, Draft}, docKey{ref, Live}
	draft, ok := s.headLocked(draftKey)
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "no draft to accept")
		return
	}
	live, _ := s.headLocked(liveKey)
	if draft.Hash != req.ExpectedDraftHead || live.Hash != req.ExpectedLiveHead {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "draft or live head moved since last read")
		return
	}
	hash := s.appendLocked(liveKey, draft.Title, draft.Content)
	delete(s.history, draftKey)
	s.mu.Unlock()

	s.setHash(w, hash)
	writeJSON(w, http.StatusOK, cos.AcceptResponse{
		ContentHash:           hash,
		WordCount:             len(strings.Fields(draft.Content)),
		AcceptedFromDraftHash: draft.Hash,
	})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	ref := refFrom(r)
	var req cos.RevertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	k := docKey{ref, Live}
	head, _ := s.headLocked(k)
	if head.Hash != req.ExpectedHead {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "live head moved since last read")
		return
	}
	var target *Revision
	for _, rev := range s.history[k] {
		if rev.Hash == req.TargetHash {
			rev := rev
			target = &rev
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown revision "+string(req.TargetHash))
		return
	}
	hash := s.appendLocked(k, target.Title, target.Content)
	rev, _ := s.headLocked(k)
	s.mu.Unlock()

	s.setHash(w, hash)
	writeJSON(w, http.StatusOK, cos.VersionResponse{
		ContentHash: hash,
		WordCount:   len(strings.Fields(target.Content)),
		CreatedAt:   rev.CreatedAt.Format(time.RFC3339Nano),
		ParentHash:  rev.Parent,
	})
}

func (s *Server) handleHistory(v Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := refFrom(r)
		s.mu.Lock()
		revs := s.history[docKey{ref, v}]
		entries := make([]cos.HistoryEntry, 0, len(revs))
		for i := len(revs) - 1; i >= 0; i-- {
			entries = append(entries, cos.HistoryEntry{
				Hash:       revs[i].Hash,
				ParentHash: revs[i].Parent,
				CreatedAt:  revs[i].CreatedAt.Format(time.RFC3339Nano),
			})
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	ref := refFrom(r)
	want := cos.Hash(chi.URLParam(r, "hash"))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rev := range s.history[docKey{ref, Live}] {
		if rev.Hash == want {
			s.setHash(w, rev.Hash)
			writeJSON(w, http.StatusOK, chapterBody(ref, rev, false))
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown revision "+string(want))
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	books := append([]cos.BookRecord{}, s.books...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.books {
		if b.ID == id {
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	writeError(w, http.StatusNotFound, "book not found")
}

func (s *Server) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var req cos.CaptureCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.Lock()
	s.nextTodo++
	item := cos.CaptureItem{
		ID:            fmt.Sprintf("todo-%d", s.nextTodo),
		Content:       req.Content,
		Status:        cos.CaptureStatusCaptured,
		Priority:      req.Priority,
		SourceSurface: req.SourceSurface,
		SourceContext: req.SourceContext,
		Tags:          append([]string{}, req.Tags...),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	s.todos[item.ID] = &cos.CaptureSnapshot{Todo: item, Tasks: []cos.CaptureTask{}, Results: []cos.CaptureResult{}}
	s.todoOrder = append(s.todoOrder, item.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active") == "true"
	s.mu.Lock()
	items := make([]cos.CaptureItem, 0, len(s.todoOrder))
	for _, id := range s.todoOrder {
		todo := s.todos[id].Todo
		if active && todo.IsTerminal() {
			continue
		}
		items = append(items, todo)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap, ok := s.todos[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "todo not found")
		return
	}
	writeJSON(w, http.StatusOK, snap.Todo)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap, ok := s.todos[chi.URLParam(r, "id")]
	var body cos.CaptureSnapshot
	if ok {
		body = *snap
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "todo not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
