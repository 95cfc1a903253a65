package buffer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coseditor/internal/cos"
	"coseditor/internal/testutil"
)

// Test helpers

var (
	refA = cos.ChapterRef{BookID: "book-1", Section: cos.SectionBody, Slug: "ch-1"}
	refB = cos.ChapterRef{BookID: "book-1", Section: cos.SectionBody, Slug: "ch-2"}

	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func chapter(title, content string, hash cos.Hash) *cos.ChapterResult {
	c := content
	return &cos.ChapterResult{
		Chapter:     cos.ChapterContent{Title: title, ContentDraft: &c},
		Content:     content,
		Title:       title,
		ContentHash: hash,
	}
}

func written(hash cos.Hash) *cos.WriteResult {
	return &cos.WriteResult{ContentHash: hash}
}

func notFound(path string) error { return &cos.NotFoundError{Method: "GET", Path: path} }

func conflict(msg string) error { return &cos.ConflictError{Method: "PUT", Message: msg} }

func serverError() error { return &cos.RemoteError{Method: "PUT", StatusCode: 500} }

// fakeStore is a scripted Store. Unset hooks fail the test.
type fakeStore struct {
	t  *testing.T
	mu sync.Mutex

	fetchLive  func(ref cos.ChapterRef) (*cos.ChapterResult, error)
	fetchDraft func(ref cos.ChapterRef) (*cos.ChapterResult, error)
	saveLive   func(ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error)
	saveDraft  func(ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error)
	promote    func(ref cos.ChapterRef, req cos.AcceptRequest) (*cos.AcceptResult, error)

	liveSaves  []cos.SaveRequest
	draftSaves []cos.SaveRequest
	accepts    []cos.AcceptRequest
	liveFetch  int
	draftFetch int
}

func (f *fakeStore) FetchLive(_ context.Context, ref cos.ChapterRef) (*cos.ChapterResult, error) {
	f.mu.Lock()
	f.liveFetch++
	fn := f.fetchLive
	f.mu.Unlock()
	require.NotNil(f.t, fn, "unexpected FetchLive")
	return fn(ref)
}

func (f *fakeStore) FetchDraft(_ context.Context, ref cos.ChapterRef) (*cos.ChapterResult, error) {
	f.mu.Lock()
	f.draftFetch++
	fn := f.fetchDraft
	f.mu.Unlock()
	require.NotNil(f.t, fn, "unexpected FetchDraft")
	return fn(ref)
}

func (f *fakeStore) SaveLive(_ context.Context, ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error) {
	f.mu.Lock()
	f.liveSaves = append(f.liveSaves, req)
	fn := f.saveLive
	f.mu.Unlock()
	require.NotNil(f.t, fn, "unexpected SaveLive")
	return fn(ref, req)
}

func (f *fakeStore) SaveDraft(_ context.Context, ref cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error) {
	f.mu.Lock()
	f.draftSaves = append(f.draftSaves, req)
	fn := f.saveDraft
	f.mu.Unlock()
	require.NotNil(f.t, fn, "unexpected SaveDraft")
	return fn(ref, req)
}

func (f *fakeStore) PromoteDraftToLive(_ context.Context, ref cos.ChapterRef, req cos.AcceptRequest) (*cos.AcceptResult, error) {
	f.mu.Lock()
	f.accepts = append(f.accepts, req)
	fn := f.promote
	f.mu.Unlock()
	require.NotNil(f.t, fn, "unexpected PromoteDraftToLive")
	return fn(ref, req)
}

func (f *fakeStore) liveSaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.liveSaves)
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conflict
	for _, ev := range r.events {
		if ev.Kind == EventConflict {
			out = append(out, *ev.Conflict)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type countingMetrics struct {
	mu            sync.Mutex
	saves         int
	failures      int
	conflicts     map[string]int
	autosaveFails int
	accepts       int
	dirty         bool
}

func (m *countingMetrics) SaveCompleted(_ string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if err != nil && !cos.IsConflict(err) {
		m.failures++
	}
}

func (m *countingMetrics) ConflictDetected(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts == nil {
		m.conflicts = make(map[string]int)
	}
	m.conflicts[op]++
}

func (m *countingMetrics) AutosaveFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autosaveFails++
}

func (m *countingMetrics) DraftAccepted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepts++
}

func (m *countingMetrics) DirtyChanged(d bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = d
}

type versionLog struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (v *versionLog) RecordVersion(_ context.Context, ref cos.ChapterRef, mode, op string, rv cos.RemoteVersion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, ref.Slug+"/"+mode+"/"+op+"/"+string(rv.ContentHash))
	return v.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store *fakeStore, opts ...Option) (*Engine, *testutil.FakeClock, *recorder) {
	t.Helper()
	store.t = t
	clk := testutil.NewFakeClock(epoch)
	opts = append([]Option{WithClock(clk), WithLogger(quietLogger())}, opts...)
	e := New(store, opts...)
	t.Cleanup(e.Close)
	rec := &recorder{}
	e.Subscribe(rec.handle)
	return e, clk, rec
}

// liveStore serves refA live as "# Hello" at h1.
func liveStore() *fakeStore {
	return &fakeStore{
		fetchLive: func(cos.ChapterRef) (*cos.ChapterResult, error) {
			return chapter("Chapter One", "# Hello", "h1"), nil
		},
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestScenarioA_OpenLive(t *testing.T) {
	e, _, rec := newTestEngine(t, liveStore())

	st, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)

	assert.Equal(t, "# Hello", st.Content)
	assert.Equal(t, cos.Hash("h1"), st.HeadHash)
	assert.Equal(t, cos.Hash("h1"), st.LiveHeadHash)
	assert.False(t, st.Dirty)
	assert.Equal(t, ModeLive, st.Mode)
	assert.Nil(t, st.LastSavedAt)
	assert.Equal(t, 2, st.WordCount)
	assert.True(t, e.IsOpen())

	require.Len(t, rec.states(), 1)
	assert.Equal(t, st, rec.states()[0])
}

func TestScenarioB_EditThenSave(t *testing.T) {
	store := liveStore()
	store.saveLive = func(_ cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error) {
		return written("h2"), nil
	}
	e, clk, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)

	st, err := e.ApplyChanges("# Hello Updated")
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, "# Hello Updated", st.Content)
	assert.Equal(t, cos.Hash("h1"), st.HeadHash)

	st, err = e.Save(ctx)
	require.NoError(t, err)
	assert.False(t, st.Dirty)
	assert.Equal(t, cos.Hash("h2"), st.HeadHash)
	assert.Equal(t, cos.Hash("h2"), st.LiveHeadHash)
	require.NotNil(t, st.LastSavedAt)
	assert.Equal(t, clk.Now(), *st.LastSavedAt)

	require.Len(t, store.liveSaves, 1)
	assert.Equal(t, cos.SaveRequest{Title: "Chapter One", Content: "# Hello Updated", ExpectedHead: "h1"}, store.liveSaves[0])
}

func TestScenarioC_SaveConflict(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) {
		return nil, conflict("chapter changed on server")
	}
	metrics := &countingMetrics{}
	e, _, rec := newTestEngine(t, store, WithMetrics(metrics))
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("# Hello Updated")
	require.NoError(t, err)
	rec.reset()

	st, err := e.Save(ctx)
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, cos.Hash("h1"), st.HeadHash)
	assert.Nil(t, st.LastSavedAt)

	assert.Equal(t, []Conflict{{Operation: OpSave, Mode: ModeLive, Message: "chapter changed on server"}}, rec.conflicts())
	assert.Empty(t, rec.states(), "a conflicted save must not also emit state")
	assert.Equal(t, 1, metrics.conflicts[OpSave])
	assert.Equal(t, 0, metrics.failures)
}

func TestScenarioD_ForceSaveAfterConflict(t *testing.T) {
	store := liveStore()
	saves := 0
	store.saveLive = func(_ cos.ChapterRef, req cos.SaveRequest) (*cos.WriteResult, error) {
		saves++
		if saves == 1 {
			return nil, conflict("stale head")
		}
		return written("h4"), nil
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("# Mine")
	require.NoError(t, err)
	_, err = e.Save(ctx)
	require.NoError(t, err)

	store.fetchLive = func(cos.ChapterRef) (*cos.ChapterResult, error) {
		return chapter("Chapter One", "# Theirs", "h3"), nil
	}

	st, err := e.ForceSave(ctx)
	require.NoError(t, err)
	assert.False(t, st.Dirty)
	assert.Equal(t, cos.Hash("h4"), st.HeadHash)
	assert.Equal(t, cos.Hash("h4"), st.LiveHeadHash)
	assert.Equal(t, "# Mine", st.Content)

	require.Len(t, store.liveSaves, 2)
	assert.Equal(t, cos.Hash("h3"), store.liveSaves[1].ExpectedHead)
	assert.Equal(t, "# Mine", store.liveSaves[1].Content)
}

func TestScenarioE_OpenMissingDraft(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, notFound("/draft") },
		fetchLive: func(cos.ChapterRef) (*cos.ChapterResult, error) {
			return chapter("Chapter One", "# Published", "hlive"), nil
		},
	}
	e, _, _ := newTestEngine(t, store)

	st, err := e.Open(context.Background(), refA, ModeDraft)
	require.NoError(t, err)
	assert.Equal(t, "# Published", st.Content)
	assert.True(t, st.HeadHash.IsZero())
	assert.Equal(t, cos.Hash("hlive"), st.LiveHeadHash)
	assert.Equal(t, ModeDraft, st.Mode)
	assert.False(t, st.Dirty)
	assert.Equal(t, 2, store.liveFetch, "seed fetch plus live head refresh")
}

// =============================================================================
// Properties
// =============================================================================

func TestP1_DraftSaveKeepsLiveHead(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "d1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
		saveDraft:  func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("d2"), nil },
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	st, err := e.Open(ctx, refA, ModeDraft)
	require.NoError(t, err)
	assert.Equal(t, cos.Hash("d1"), st.HeadHash)
	assert.Equal(t, cos.Hash("L1"), st.LiveHeadHash)

	_, err = e.ApplyChanges("draft 2")
	require.NoError(t, err)
	st, err = e.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, cos.Hash("d2"), st.HeadHash)
	assert.Equal(t, cos.Hash("L1"), st.LiveHeadHash)
	assert.Equal(t, cos.Hash("d1"), store.draftSaves[0].ExpectedHead)
	assert.Empty(t, store.liveSaves)
}

func TestP2_DirtyClearsOnlyOnSuccess(t *testing.T) {
	store := liveStore()
	var next error
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) {
		if next != nil {
			return nil, next
		}
		return written("h2"), nil
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	next = serverError()
	st, err := e.Save(ctx)
	require.Error(t, err)
	assert.Equal(t, 500, cos.StatusCode(err))
	assert.True(t, st.Dirty)
	assert.True(t, e.State().Dirty)

	next = conflict("moved")
	st, err = e.Save(ctx)
	require.NoError(t, err)
	assert.True(t, st.Dirty)

	next = nil
	st, err = e.Save(ctx)
	require.NoError(t, err)
	assert.False(t, st.Dirty)
}

func TestP3_AutosaveDebounce(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("h2"), nil }
	e, clk, _ := newTestEngine(t, store)

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)

	_, err = e.ApplyChanges("a")
	require.NoError(t, err)
	clk.Advance(1000 * time.Millisecond)
	_, err = e.ApplyChanges("ab")
	require.NoError(t, err)
	clk.Advance(1000 * time.Millisecond)
	_, err = e.ApplyChanges("abc")
	require.NoError(t, err)

	clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, 0, store.liveSaveCount(), "no save before t=5000ms")

	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, store.liveSaveCount(), "exactly one save at t=5000ms")
	assert.Equal(t, "abc", store.liveSaves[0].Content)
	assert.False(t, e.State().Dirty)

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, store.liveSaveCount())
}

func TestP3_ManualSaveCancelsAutosave(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("h2"), nil }
	e, clk, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("a")
	require.NoError(t, err)
	_, err = e.Save(ctx)
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, store.liveSaveCount())
	assert.Equal(t, 0, clk.Pending())
}

func TestP3_CustomAutosaveDelay(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("h2"), nil }
	e, clk, _ := newTestEngine(t, store, WithAutosaveDelay(500*time.Millisecond))

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("a")
	require.NoError(t, err)

	clk.Advance(499 * time.Millisecond)
	assert.Equal(t, 0, store.liveSaveCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, store.liveSaveCount())
}

func TestP4_DraftFallbackFirstSave(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, notFound("/draft") },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "# Published", "hlive"), nil },
		saveDraft:  func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("d1"), nil },
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeDraft)
	require.NoError(t, err)
	_, err = e.ApplyChanges("# Published, revised")
	require.NoError(t, err)

	st, err := e.Save(ctx)
	require.NoError(t, err)
	require.Len(t, store.draftSaves, 1)
	assert.True(t, store.draftSaves[0].ExpectedHead.IsZero())
	assert.Equal(t, cos.Hash("d1"), st.HeadHash)
	assert.Equal(t, cos.Hash("hlive"), st.LiveHeadHash)
}

func TestP5_ContentFromResult(t *testing.T) {
	published := "from published"
	store := &fakeStore{
		fetchLive: func(cos.ChapterRef) (*cos.ChapterResult, error) {
			ch := cos.ChapterContent{Title: "T", ContentPublished: &published}
			return &cos.ChapterResult{Chapter: ch, Content: ch.Body(), Title: "T", ContentHash: "h1"}, nil
		},
	}
	e, _, _ := newTestEngine(t, store)
	st, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, "from published", st.Content)
}

func TestP6_OpenFlushesPreviousBuffer(t *testing.T) {
	store := liveStore()
	store.saveLive = func(ref cos.ChapterRef, _ cos.SaveRequest) (*cos.WriteResult, error) {
		assert.Equal(t, refA, ref)
		return written("h2"), nil
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("edited A")
	require.NoError(t, err)

	st, err := e.Open(ctx, refB, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, "ch-2", st.Slug)
	require.Len(t, store.liveSaves, 1)
	assert.Equal(t, "edited A", store.liveSaves[0].Content)
}

func TestP6_FailedFlushDoesNotBlockOpen(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return nil, serverError() }
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("edited A")
	require.NoError(t, err)

	st, err := e.Open(ctx, refB, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, refB, st.Ref())
	assert.False(t, st.Dirty)
	assert.Equal(t, 1, store.liveSaveCount())
}

func TestP6_CleanBufferIsNotFlushed(t *testing.T) {
	store := liveStore()
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.Open(ctx, refB, ModeLive)
	require.NoError(t, err)
	assert.Equal(t, 0, store.liveSaveCount())
}

func TestP7_AcceptPreconditions(t *testing.T) {
	t.Run("live mode fails without network", func(t *testing.T) {
		store := liveStore()
		e, _, _ := newTestEngine(t, store)
		_, err := e.Open(context.Background(), refA, ModeLive)
		require.NoError(t, err)

		_, err = e.AcceptDraft(context.Background(), "")
		assert.ErrorIs(t, err, ErrNotDraftMode)
		assert.Empty(t, store.accepts)
	})

	t.Run("missing draft revision fails without network", func(t *testing.T) {
		store := &fakeStore{
			fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, notFound("/draft") },
			fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "x", "L1"), nil },
		}
		e, _, _ := newTestEngine(t, store)
		_, err := e.Open(context.Background(), refA, ModeDraft)
		require.NoError(t, err)

		_, err = e.AcceptDraft(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoDraftRevision)
		assert.Empty(t, store.accepts)
	})

	t.Run("no buffer", func(t *testing.T) {
		e, _, _ := newTestEngine(t, &fakeStore{})
		_, err := e.AcceptDraft(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoBuffer)
	})

	t.Run("sends both heads", func(t *testing.T) {
		store := &fakeStore{
			fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
			fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
			promote: func(cos.ChapterRef, cos.AcceptRequest) (*cos.AcceptResult, error) {
				return &cos.AcceptResult{ContentHash: "L2", Response: cos.AcceptResponse{AcceptedFromDraftHash: "D1"}}, nil
			},
		}
		metrics := &countingMetrics{}
		e, _, _ := newTestEngine(t, store, WithMetrics(metrics))
		_, err := e.Open(context.Background(), refA, ModeDraft)
		require.NoError(t, err)

		st, err := e.AcceptDraft(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, store.accepts, 1)
		assert.Equal(t, cos.AcceptRequest{ExpectedDraftHead: "D1", ExpectedLiveHead: "L1", Actor: DefaultActor}, store.accepts[0])

		assert.Equal(t, ModeLive, st.Mode)
		assert.Equal(t, cos.Hash("L2"), st.HeadHash)
		assert.Equal(t, cos.Hash("L2"), st.LiveHeadHash)
		assert.False(t, st.Dirty)
		assert.NotNil(t, st.LastSavedAt)
		assert.Equal(t, 1, metrics.accepts)
	})
}

// =============================================================================
// Accept
// =============================================================================

func TestAcceptDraft_Conflict(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
		promote: func(cos.ChapterRef, cos.AcceptRequest) (*cos.AcceptResult, error) {
			return nil, conflict("live moved")
		},
	}
	e, _, rec := newTestEngine(t, store)
	_, err := e.Open(context.Background(), refA, ModeDraft)
	require.NoError(t, err)
	rec.reset()

	st, err := e.AcceptDraft(context.Background(), "editor")
	require.NoError(t, err)
	assert.Equal(t, ModeDraft, st.Mode)
	assert.Equal(t, cos.Hash("D1"), st.HeadHash)
	assert.Equal(t, cos.Hash("L1"), st.LiveHeadHash)
	assert.Equal(t, "editor", store.accepts[0].Actor)

	assert.Equal(t, []Conflict{{Operation: OpAccept, Mode: ModeDraft, Message: "live moved"}}, rec.conflicts())
	assert.Empty(t, rec.states())
}

func TestAcceptDraft_ConfiguredActor(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
		promote: func(cos.ChapterRef, cos.AcceptRequest) (*cos.AcceptResult, error) {
			return &cos.AcceptResult{ContentHash: "L2"}, nil
		},
	}
	e, _, _ := newTestEngine(t, store, WithActor("alice"))
	_, err := e.Open(context.Background(), refA, ModeDraft)
	require.NoError(t, err)
	_, err = e.AcceptDraft(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", store.accepts[0].Actor)
}

func TestAcceptDraft_RemoteErrorPropagates(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
		promote: func(cos.ChapterRef, cos.AcceptRequest) (*cos.AcceptResult, error) {
			return nil, serverError()
		},
	}
	e, _, _ := newTestEngine(t, store)
	_, err := e.Open(context.Background(), refA, ModeDraft)
	require.NoError(t, err)

	st, err := e.AcceptDraft(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 500, cos.StatusCode(err))
	assert.Equal(t, ModeDraft, st.Mode)
}

// =============================================================================
// Open, reload and force save
// =============================================================================

func TestOpen_DraftErrorPropagates(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, serverError() },
	}
	e, _, rec := newTestEngine(t, store)

	_, err := e.Open(context.Background(), refA, ModeDraft)
	require.Error(t, err)
	assert.Equal(t, 500, cos.StatusCode(err))
	assert.False(t, e.IsOpen())
	assert.Empty(t, rec.states())
}

func TestOpen_LiveRefreshFailureClearsLiveHead(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, serverError() },
	}
	e, _, _ := newTestEngine(t, store)

	st, err := e.Open(context.Background(), refA, ModeDraft)
	require.NoError(t, err)
	assert.Equal(t, cos.Hash("D1"), st.HeadHash)
	assert.True(t, st.LiveHeadHash.IsZero())
}

func TestOpen_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeStore{})

	_, err := e.Open(context.Background(), cos.ChapterRef{BookID: "b", Section: "middle", Slug: "s"}, ModeLive)
	assert.Error(t, err)

	_, err = e.Open(context.Background(), refA, Mode("staging"))
	assert.Error(t, err)
}

func TestReloadFromServer_DiscardsEdits(t *testing.T) {
	store := liveStore()
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("local edit")
	require.NoError(t, err)

	store.fetchLive = func(cos.ChapterRef) (*cos.ChapterResult, error) {
		return chapter("Chapter One", "# Server", "h3"), nil
	}
	st, err := e.ReloadFromServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Server", st.Content)
	assert.Equal(t, cos.Hash("h3"), st.HeadHash)
	assert.False(t, st.Dirty)
	assert.Nil(t, st.LastSavedAt)
}

func TestReloadFromServer_ReseedsUnsavedDraft(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, notFound("/draft") },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "# Published", "L1"), nil },
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeDraft)
	require.NoError(t, err)
	_, err = e.ApplyChanges("unsaved draft")
	require.NoError(t, err)

	st, err := e.ReloadFromServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Published", st.Content)
	assert.True(t, st.HeadHash.IsZero())
	assert.Equal(t, ModeDraft, st.Mode)
}

func TestForceSave_DraftWithoutRevision(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, notFound("/draft") },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "x", "L1"), nil },
		saveDraft:  func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("D1"), nil },
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeDraft)
	require.NoError(t, err)
	_, err = e.ApplyChanges("y")
	require.NoError(t, err)

	st, err := e.ForceSave(ctx)
	require.NoError(t, err)
	assert.True(t, store.draftSaves[0].ExpectedHead.IsZero())
	assert.Equal(t, cos.Hash("D1"), st.HeadHash)
	assert.Equal(t, cos.Hash("L1"), st.LiveHeadHash)
}

func TestForceSave_RefreshErrorPropagates(t *testing.T) {
	store := liveStore()
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)

	store.fetchLive = func(cos.ChapterRef) (*cos.ChapterResult, error) { return nil, serverError() }
	_, err = e.ForceSave(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, store.liveSaveCount())
}

// =============================================================================
// Save details
// =============================================================================

func TestSave_NoBuffer(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeStore{})

	_, err := e.Save(context.Background())
	assert.ErrorIs(t, err, ErrNoBuffer)
	_, err = e.ApplyChanges("x")
	assert.ErrorIs(t, err, ErrNoBuffer)
	_, err = e.ReloadFromServer(context.Background())
	assert.ErrorIs(t, err, ErrNoBuffer)
	_, err = e.ForceSave(context.Background())
	assert.ErrorIs(t, err, ErrNoBuffer)
	assert.Equal(t, State{}, e.State())
}

func TestSave_TitleFallsBackToSlug(t *testing.T) {
	store := &fakeStore{
		fetchLive: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("", "x", "h1"), nil },
		saveLive:  func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("h2"), nil },
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)

	_, err = e.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ch-1", store.liveSaves[0].Title)
}

func TestSave_ReentrantCallReturnsImmediately(t *testing.T) {
	store := liveStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) {
		close(entered)
		<-release
		return written("h2"), nil
	}
	e, _, _ := newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	done := make(chan State)
	go func() {
		st, _ := e.Save(ctx)
		done <- st
	}()
	<-entered

	st, err := e.Save(ctx)
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, cos.Hash("h1"), st.HeadHash)

	close(release)
	first := <-done
	assert.Equal(t, cos.Hash("h2"), first.HeadHash)
	assert.Equal(t, 1, store.liveSaveCount())
}

func TestSave_EditDuringSaveStaysDirty(t *testing.T) {
	store := liveStore()
	var e *Engine
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) {
		_, err := e.ApplyChanges("typed while saving")
		require.NoError(t, err)
		return written("h2"), nil
	}
	e, _, _ = newTestEngine(t, store)
	ctx := context.Background()
	_, err := e.Open(ctx, refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("first")
	require.NoError(t, err)

	st, err := e.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, cos.Hash("h2"), st.HeadHash)
	assert.True(t, st.Dirty)
	assert.Equal(t, "typed while saving", st.Content)
}

func TestAutosave_FailureIsSwallowed(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return nil, serverError() }
	metrics := &countingMetrics{}
	e, clk, _ := newTestEngine(t, store, WithMetrics(metrics))

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	clk.Advance(DefaultAutosaveDelay)
	assert.Equal(t, 1, store.liveSaveCount())
	assert.Equal(t, 1, metrics.autosaveFails)
	assert.Equal(t, 1, metrics.failures)
	assert.True(t, e.State().Dirty)
	assert.True(t, metrics.dirty)
}

func TestAutosave_ConflictSuppressesTimer(t *testing.T) {
	store := liveStore()
	store.saveLive = func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return nil, conflict("moved") }
	e, clk, rec := newTestEngine(t, store)

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	clk.Advance(DefaultAutosaveDelay)
	assert.Len(t, rec.conflicts(), 1)
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, store.liveSaveCount())
}

func TestClose_CancelsAutosave(t *testing.T) {
	store := liveStore()
	e, clk, _ := newTestEngine(t, store)

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	e.Close()
	clk.Advance(time.Minute)
	assert.Equal(t, 0, store.liveSaveCount())
	assert.False(t, e.IsOpen())

	_, err = e.Open(context.Background(), refA, ModeLive)
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// Notifications and recording
// =============================================================================

func TestSubscribe_Unsubscribe(t *testing.T) {
	e, _, _ := newTestEngine(t, liveStore())

	var got []EventKind
	unsubscribe := e.Subscribe(func(ev Event) { got = append(got, ev.Kind) })

	_, err := e.Open(context.Background(), refA, ModeLive)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	_, err = e.ApplyChanges("x")
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventState}, got)
}

func TestRecorder_SaveAndAccept(t *testing.T) {
	store := &fakeStore{
		fetchDraft: func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "draft", "D1"), nil },
		fetchLive:  func(cos.ChapterRef) (*cos.ChapterResult, error) { return chapter("T", "live", "L1"), nil },
		saveDraft:  func(cos.ChapterRef, cos.SaveRequest) (*cos.WriteResult, error) { return written("D2"), nil },
		promote: func(cos.ChapterRef, cos.AcceptRequest) (*cos.AcceptResult, error) {
			return &cos.AcceptResult{ContentHash: "L2"}, nil
		},
	}
	log := &versionLog{err: errors.New("disk full")}
	e, _, _ := newTestEngine(t, store, WithRecorder(log))
	ctx := context.Background()

	_, err := e.Open(ctx, refA, ModeDraft)
	require.NoError(t, err)
	_, err = e.ApplyChanges("draft 2")
	require.NoError(t, err)
	_, err = e.Save(ctx)
	require.NoError(t, err, "recorder failures are not returned")
	_, err = e.AcceptDraft(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"ch-1/draft/save/D2", "ch-1/live/accept/L2"}, log.entries)
}

func TestCountWords(t *testing.T) {
	tests := map[string]int{
		"":                0,
		"   \n\t ":        0,
		"one":             1,
		"  a b\n c  ":     3,
		"# Hello Updated": 3,
	}
	for in, want := range tests {
		assert.Equal(t, want, CountWords(in), "%q", in)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Draft ")
	require.NoError(t, err)
	assert.Equal(t, ModeDraft, m)

	_, err = ParseMode("published")
	assert.Error(t, err)
}
