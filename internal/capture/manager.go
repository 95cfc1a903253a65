// Package capture tracks todos captured from the editor and polls the
// one most recently created until its agent work settles.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"coseditor/internal/clock"
	"coseditor/internal/cos"
)

// DefaultPollInterval is the delay between snapshot polls.
const DefaultPollInterval = 3000 * time.Millisecond

// Client is the part of the manuscript client the manager uses.
type Client interface {
	CreateCaptureTodo(ctx context.Context, req cos.CaptureCreateRequest) (*cos.CaptureItem, error)
	ListCaptureTodos(ctx context.Context, activeOnly bool) ([]cos.CaptureItem, error)
	GetCaptureTodoSnapshot(ctx context.Context, id string) (*cos.CaptureSnapshot, error)
}

// State is what the manager currently knows.
type State struct {
	Todos          []cos.CaptureItem    `json:"todos"`
	ActiveSnapshot *cos.CaptureSnapshot `json:"activeSnapshot,omitempty"`
}

func (s State) clone() State {
	out := State{ActiveSnapshot: s.ActiveSnapshot}
	if s.Todos != nil {
		out.Todos = append([]cos.CaptureItem(nil), s.Todos...)
	}
	return out
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// Manager polls a single todo at a time.
type Manager struct {
	client   Client
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	todoID string
	gen    uint64
	timer  clock.Timer
	closed bool

	subMu     sync.Mutex
	subs      map[int]func(State)
	nextSubID int
}

// New creates a manager.
func New(client Client, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:   client,
		clock:    clock.Real{},
		logger:   slog.Default(),
		interval: DefaultPollInterval,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "capture")
	return m
}

// Subscribe registers fn for state notifications.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(st State) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// PollingTodoID returns the todo being polled, or "".
func (m *Manager) PollingTodoID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.todoID
}

// CreateTodo captures a todo, refreshes the active list and starts
// polling the new todo.
func (m *Manager) CreateTodo(ctx context.Context, req cos.CaptureCreateRequest) (*cos.CaptureItem, error) {
	todo, err := m.client.CreateCaptureTodo(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create capture todo: %w", err)
	}

	todos, err := m.client.ListCaptureTodos(ctx, true)
	if err != nil {
		return todo, fmt.Errorf("refresh capture todos: %w", err)
	}
	m.mu.Lock()
	m.state.Todos = todos
	m.mu.Unlock()

	m.logger.Info("todo captured", "id", todo.ID)
	m.StartPolling(todo.ID)
	return todo, nil
}

// ListTodos fetches the active todos and emits the new state.
func (m *Manager) ListTodos(ctx context.Context) ([]cos.CaptureItem, error) {
	todos, err := m.client.ListCaptureTodos(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list capture todos: %w", err)
	}
	m.mu.Lock()
	m.state.Todos = todos
	st := m.state.clone()
	m.mu.Unlock()

	m.emit(st)
	return todos, nil
}

// StartPolling replaces any running poll loop with one for todoID. The
// first poll runs immediately.
func (m *Manager) StartPolling(todoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stopLocked()
	m.todoID = todoID
	m.scheduleLocked(0)
}

// StopPolling stops the poll loop. It is safe to call at any time.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Close stops polling and releases subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopLocked()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	m.subMu.Lock()
	m.subs = make(map[int]func(State))
	m.subMu.Unlock()
}

func (m *Manager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.todoID = ""
	m.gen++
}

func (m *Manager) scheduleLocked(d time.Duration) {
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() { m.poll(gen) })
}

func (m *Manager) poll(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.todoID == "" {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	id := m.todoID
	m.mu.Unlock()

	snap, err := m.client.GetCaptureTodoSnapshot(m.ctx, id)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.scheduleLocked(m.interval)
		m.mu.Unlock()
		m.logger.Warn("capture poll failed", "id", id, "error", err)
		return
	}

	changed := m.state.ActiveSnapshot == nil || !reflect.DeepEqual(*m.state.ActiveSnapshot, *snap)
	m.state.ActiveSnapshot = snap
	terminal := snap.Todo.IsTerminal()
	if terminal {
		m.stopLocked()
	} else {
		m.scheduleLocked(m.interval)
	}
	st := m.state.clone()
	m.mu.Unlock()

	if changed {
		m.emit(st)
	}
	if terminal {
		m.logger.Info("capture settled", "id", id, "status", snap.Todo.Status)
		m.emit(st)
	}
}
