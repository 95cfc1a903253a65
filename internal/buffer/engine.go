// Package buffer owns the single open chapter buffer and keeps it in sync
// with the manuscript store.
//
// The engine tracks dirtiness, debounces autosave, writes with
// compare-and-swap preconditions and turns rejected writes into conflict
// notifications instead of errors. A buffer is bound either to the live
// chapter or to its draft; a draft can be promoted into live with
// AcceptDraft.
//
// Fields are guarded by one mutex that is never held across a network
// call. Each step reads the current values at the point of use, so a save
// always sends whatever head hash is current when it is issued.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coseditor/internal/clock"
	"coseditor/internal/cos"
)

// Engine manages one open buffer at a time.
type Engine struct {
	store         Store
	clock         clock.Clock
	logger        *slog.Logger
	autosaveDelay time.Duration
	actor         string
	recorder      Recorder
	metrics       Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	session     *session
	saving      bool
	closed      bool
	autosave    clock.Timer
	autosaveSeq uint64

	subMu     sync.Mutex
	subs      map[int]func(Event)
	nextSubID int
}

// New creates an engine backed by store.
func New(store Store, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:         store,
		clock:         clock.Real{},
		logger:        slog.Default(),
		autosaveDelay: DefaultAutosaveDelay,
		actor:         DefaultActor,
		metrics:       nopMetrics{},
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	e.logger = e.logger.With("component", "buffer")
	return e
}

// Subscribe registers fn for every notification and returns a function
// that removes it. Notifications are delivered on the goroutine that
// caused them, after the engine lock is released.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Kind == EventState {
		e.metrics.DirtyChanged(ev.State.Dirty)
	}

	e.subMu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) emitState(st State) {
	e.emit(Event{Kind: EventState, State: st})
}

func (e *Engine) emitConflict(op string, mode Mode, err error) {
	e.metrics.ConflictDetected(op)
	e.logger.Info("conflict", "operation", op, "mode", mode, "error", err)
	e.emit(Event{Kind: EventConflict, Conflict: &Conflict{Operation: op, Mode: mode, Message: err.Error()}})
}

// State returns a snapshot of the open buffer, or the zero State when no
// buffer is open.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return State{}
	}
	return e.session.snapshot()
}

// IsOpen reports whether a buffer is open.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Close cancels autosave permanently and releases subscribers. Unsaved
// edits are not flushed; call Save first when they matter.
func (e *Engine) Close() {
	e.mu.Lock()
	e.cancelAutosaveLocked()
	e.closed = true
	e.session = nil
	e.mu.Unlock()

	e.cancel()

	e.subMu.Lock()
	e.subs = make(map[int]func(Event))
	e.subMu.Unlock()
}

// Open binds the engine to a chapter. A dirty buffer that is already open
// is saved first; failure to save it is logged and does not prevent the
// new buffer from opening.
func (e *Engine) Open(ctx context.Context, ref cos.ChapterRef, mode Mode) (State, error) {
	if err := ref.Validate(); err != nil {
		return State{}, err
	}
	if mode != ModeLive && mode != ModeDraft {
		return State{}, fmt.Errorf("open %s: invalid mode %q", ref, mode)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return State{}, ErrClosed
	}
	e.cancelAutosaveLocked()
	prev := e.session
	flush := prev != nil && prev.dirty
	e.mu.Unlock()

	if flush {
		if _, err := e.Save(ctx); err != nil {
			e.logger.Warn("failed to save outgoing buffer", "ref", prev.ref, "mode", prev.mode, "error", err)
		}
	}

	l, err := e.load(ctx, ref, mode)
	if err != nil {
		return State{}, fmt.Errorf("open %s (%s): %w", ref, mode, err)
	}

	s := &session{
		ref:          ref,
		mode:         mode,
		title:        l.title,
		content:      l.content,
		headHash:     l.head,
		liveHeadHash: l.liveHead,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return State{}, ErrClosed
	}
	e.session = s
	st := s.snapshot()
	e.mu.Unlock()

	e.logger.Debug("buffer opened", "ref", ref, "mode", mode, "head", l.head, "live_head", l.liveHead)
	e.emitState(st)
	return st, nil
}

type loaded struct {
	title    string
	content  string
	head     cos.Hash
	liveHead cos.Hash
}

// load fetches the content for a chapter in the given mode. A missing
// draft is seeded from live with no head, and the live head is always
// refreshed for later promotion checks.
func (e *Engine) load(ctx context.Context, ref cos.ChapterRef, mode Mode) (loaded, error) {
	if mode == ModeLive {
		live, err := e.store.FetchLive(ctx, ref)
		if err != nil {
			return loaded{}, err
		}
		return loaded{title: live.Title, content: live.Content, head: live.ContentHash, liveHead: live.ContentHash}, nil
	}

	var l loaded
	draft, err := e.store.FetchDraft(ctx, ref)
	switch {
	case err == nil:
		l = loaded{title: draft.Title, content: draft.Content, head: draft.ContentHash}
	case cos.IsNotFound(err):
		live, err := e.store.FetchLive(ctx, ref)
		if err != nil {
			return loaded{}, err
		}
		e.logger.Debug("no draft yet, seeding from live", "ref", ref)
		l = loaded{title: live.Title, content: live.Content}
	default:
		return loaded{}, err
	}

	live, err := e.store.FetchLive(ctx, ref)
	if err != nil {
		e.logger.Debug("live head refresh failed", "ref", ref, "error", err)
	} else {
		l.liveHead = live.ContentHash
	}
	return l, nil
}

// ApplyChanges replaces the buffer content, marks it dirty and re-arms
// autosave. It makes no network call.
func (e *Engine) ApplyChanges(content string) (State, error) {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return State{}, ErrNoBuffer
	}
	s.content = content
	s.dirty = true
	s.edits++
	e.armAutosaveLocked()
	st := s.snapshot()
	e.mu.Unlock()

	e.emitState(st)
	return st, nil
}

// Save writes the buffer with its head hash as precondition. A rejected
// precondition is reported through a conflict notification and returns
// the unchanged state with a nil error. A save already in flight makes
// this call return the current state immediately.
func (e *Engine) Save(ctx context.Context) (State, error) {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return State{}, ErrNoBuffer
	}
	if e.saving {
		st := s.snapshot()
		e.mu.Unlock()
		return st, nil
	}
	e.saving = true
	e.cancelAutosaveLocked()
	ref, mode, edits := s.ref, s.mode, s.edits
	req := cos.SaveRequest{
		Title:        s.saveTitle(),
		Content:      s.content,
		ExpectedHead: s.headHash,
	}
	e.mu.Unlock()

	start := time.Now()
	var (
		res *cos.WriteResult
		err error
	)
	if mode == ModeLive {
		res, err = e.store.SaveLive(ctx, ref, req)
	} else {
		res, err = e.store.SaveDraft(ctx, ref, req)
	}
	e.metrics.SaveCompleted(string(mode), time.Since(start), err)

	e.mu.Lock()
	e.saving = false
	if err != nil {
		if cos.IsConflict(err) {
			e.cancelAutosaveLocked()
			st := s.snapshot()
			e.mu.Unlock()
			e.emitConflict(OpSave, mode, err)
			return st, nil
		}
		st := s.snapshot()
		e.mu.Unlock()
		return st, fmt.Errorf("save %s (%s): %w", ref, mode, err)
	}

	now := e.clock.Now()
	s.headHash = res.ContentHash
	if mode == ModeLive {
		s.liveHeadHash = res.ContentHash
	}
	if s.edits == edits {
		s.dirty = false
	}
	s.lastSavedAt = &now
	current := e.session == s
	st := s.snapshot()
	e.mu.Unlock()

	e.logger.Debug("saved", "ref", ref, "mode", mode, "head", res.ContentHash)
	e.record(ctx, ref, mode, OpSave, res.Version(now))
	if current {
		e.emitState(st)
	}
	return st, nil
}

// ReloadFromServer discards local edits and reloads the current chapter in
// its current mode.
func (e *Engine) ReloadFromServer(ctx context.Context) (State, error) {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return State{}, ErrNoBuffer
	}
	e.cancelAutosaveLocked()
	ref, mode := s.ref, s.mode
	e.mu.Unlock()

	l, err := e.load(ctx, ref, mode)
	if err != nil {
		return e.State(), fmt.Errorf("reload %s (%s): %w", ref, mode, err)
	}

	e.mu.Lock()
	s.title = l.title
	s.content = l.content
	s.headHash = l.head
	s.liveHeadHash = l.liveHead
	s.dirty = false
	s.lastSavedAt = nil
	s.edits++
	st := s.snapshot()
	e.mu.Unlock()

	e.emitState(st)
	return st, nil
}

// ForceSave adopts the server's current head as precondition, keeping the
// local content, and saves. The write overwrites whatever changed on the
// server since the buffer was loaded.
func (e *Engine) ForceSave(ctx context.Context) (State, error) {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return State{}, ErrNoBuffer
	}
	ref, mode := s.ref, s.mode
	e.mu.Unlock()

	if mode == ModeDraft {
		var head cos.Hash
		draft, err := e.store.FetchDraft(ctx, ref)
		switch {
		case err == nil:
			head = draft.ContentHash
		case cos.IsNotFound(err):
		default:
			return e.State(), fmt.Errorf("force save %s: refresh draft head: %w", ref, err)
		}
		e.mu.Lock()
		s.headHash = head
		e.mu.Unlock()
	} else {
		live, err := e.store.FetchLive(ctx, ref)
		if err != nil {
			return e.State(), fmt.Errorf("force save %s: refresh live head: %w", ref, err)
		}
		e.mu.Lock()
		s.headHash = live.ContentHash
		s.liveHeadHash = live.ContentHash
		e.mu.Unlock()
	}

	return e.Save(ctx)
}

// AcceptDraft promotes the draft into live. Both the draft head and the
// live head seen by this buffer must still hold on the server; otherwise
// a conflict notification is emitted and the state is left unchanged.
func (e *Engine) AcceptDraft(ctx context.Context, actor string) (State, error) {
	e.mu.Lock()
	s := e.session
	switch {
	case s == nil:
		e.mu.Unlock()
		return State{}, ErrNoBuffer
	case s.mode != ModeDraft:
		e.mu.Unlock()
		return State{}, ErrNotDraftMode
	case s.headHash.IsZero():
		e.mu.Unlock()
		return State{}, ErrNoDraftRevision
	}
	if actor == "" {
		actor = e.actor
	}
	e.cancelAutosaveLocked()
	ref, mode := s.ref, s.mode
	req := cos.AcceptRequest{
		ExpectedDraftHead: s.headHash,
		ExpectedLiveHead:  s.liveHeadHash,
		Actor:             actor,
	}
	e.mu.Unlock()

	res, err := e.store.PromoteDraftToLive(ctx, ref, req)
	if err != nil {
		if cos.IsConflict(err) {
			e.emitConflict(OpAccept, mode, err)
			return e.State(), nil
		}
		return e.State(), fmt.Errorf("accept draft %s: %w", ref, err)
	}

	now := e.clock.Now()
	e.mu.Lock()
	s.mode = ModeLive
	s.headHash = res.ContentHash
	s.liveHeadHash = res.ContentHash
	s.dirty = false
	s.lastSavedAt = &now
	current := e.session == s
	st := s.snapshot()
	e.mu.Unlock()

	e.metrics.DraftAccepted()
	e.logger.Info("draft accepted", "ref", ref, "actor", actor, "draft_head", req.ExpectedDraftHead, "live_head", res.ContentHash)
	e.record(ctx, ref, ModeLive, OpAccept, cos.RemoteVersion{
		ContentHash: res.ContentHash,
		ParentHash:  req.ExpectedLiveHead,
		CreatedAt:   now,
	})
	if current {
		e.emitState(st)
	}
	return st, nil
}

func (e *Engine) record(ctx context.Context, ref cos.ChapterRef, mode Mode, op string, v cos.RemoteVersion) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordVersion(ctx, ref, string(mode), op, v); err != nil {
		e.logger.Warn("failed to record version", "ref", ref, "hash", v.ContentHash, "error", err)
	}
}

// armAutosaveLocked (re)starts the debounce timer. Caller holds e.mu.
func (e *Engine) armAutosaveLocked() {
	e.cancelAutosaveLocked()
	if e.closed {
		return
	}
	e.autosaveSeq++
	seq := e.autosaveSeq
	e.autosave = e.clock.AfterFunc(e.autosaveDelay, func() { e.fireAutosave(seq) })
}

// cancelAutosaveLocked stops any pending autosave. Caller holds e.mu.
func (e *Engine) cancelAutosaveLocked() {
	if e.autosave != nil {
		e.autosave.Stop()
		e.autosave = nil
	}
	e.autosaveSeq++
}

func (e *Engine) fireAutosave(seq uint64) {
	e.mu.Lock()
	if e.closed || seq != e.autosaveSeq {
		e.mu.Unlock()
		return
	}
	e.autosave = nil
	e.mu.Unlock()

	if _, err := e.Save(e.ctx); err != nil {
		e.metrics.AutosaveFailed()
		e.logger.Warn("autosave failed", "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) SaveCompleted(string, time.Duration, error) {}
func (nopMetrics) ConflictDetected(string)                    {}
func (nopMetrics) AutosaveFailed()                            {}
func (nopMetrics) DraftAccepted()                             {}
func (nopMetrics) DirtyChanged(bool)                          {}
