// Package mirror keeps a local file copy of the open buffer so it can be
// edited with any text editor. Edits to the file flow back into the
// buffer engine; the engine's own updates are written to the file.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"coseditor/internal/buffer"
	"coseditor/internal/cos"
)

// DefaultDebounce is how long a file must be quiet before it is read back.
const DefaultDebounce = 250 * time.Millisecond

// Buffer is the part of the engine the mirror drives.
type Buffer interface {
	State() buffer.State
	IsOpen() bool
	ApplyChanges(content string) (buffer.State, error)
	Subscribe(fn func(buffer.Event)) func()
}

// Digest identifies file content.
type Digest [blake2b.Size256]byte

// Sum hashes content.
func Sum(content []byte) Digest {
	return blake2b.Sum256(content)
}

// Option configures a Mirror.
type Option func(*Mirror)

func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// Mirror binds one buffer engine to files under a directory.
type Mirror struct {
	dir      string
	buf      Buffer
	logger   *slog.Logger
	debounce time.Duration

	fsWatcher *fsnotify.Watcher
	unsub     func()

	mu      sync.Mutex
	path    string // file for the open buffer, "" when none
	digest  Digest // content last written or read back
	watched map[string]bool
	timer   *time.Timer
	gen     uint64
	stopped bool

	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped mirror rooted at dir.
func New(dir string, buf Buffer, opts ...Option) (*Mirror, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("mirror dir: %w", err)
	}
	m := &Mirror{
		dir:      abs,
		buf:      buf,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		watched:  make(map[string]bool),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mirror")
	return m, nil
}

// PathFor returns the mirror file of a chapter. Drafts get a .draft.md
// suffix so both variants can sit side by side.
func (m *Mirror) PathFor(ref cos.ChapterRef, mode buffer.Mode) (string, error) {
	for _, part := range []string{ref.BookID, string(ref.Section), ref.Slug} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("mirror: unusable path component %q", part)
		}
	}
	name := ref.Slug + ".md"
	if mode == buffer.ModeDraft {
		name = ref.Slug + ".draft.md"
	}
	return filepath.Join(m.dir, ref.BookID, string(ref.Section), name), nil
}

// Errors returns asynchronous watch and write failures.
func (m *Mirror) Errors() <-chan error {
	return m.errors
}

// Path returns the file currently mirrored, or "".
func (m *Mirror) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Start begins mirroring. If a buffer is already open its file is
// written immediately.
func (m *Mirror) Start() error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	m.fsWatcher = w

	m.wg.Add(1)
	go m.eventLoop()

	m.unsub = m.buf.Subscribe(m.onBufferEvent)
	if m.buf.IsOpen() {
		m.sync(m.buf.State())
	}
	return nil
}

// Stop shuts the mirror down. The mirror file is left in place.
func (m *Mirror) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	m.mu.Unlock()

	if m.unsub != nil {
		m.unsub()
	}
	close(m.done)
	m.wg.Wait()
	if m.fsWatcher != nil {
		return m.fsWatcher.Close()
	}
	return nil
}

func (m *Mirror) onBufferEvent(ev buffer.Event) {
	if ev.Kind != buffer.EventState {
		return
	}
	m.sync(ev.State)
}

// sync writes st to its mirror file unless the file already holds it.
func (m *Mirror) sync(st buffer.State) {
	path, err := m.PathFor(st.Ref(), st.Mode)
	if err != nil {
		m.report(err)
		return
	}
	content := []byte(st.Content)
	d := Sum(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if path == m.path && d == m.digest {
		return
	}
	if path != m.path {
		if err := m.watchDirLocked(filepath.Dir(path)); err != nil {
			m.report(err)
			return
		}
		m.path = path
		m.gen++
	}
	if err := writeFileAtomic(path, content); err != nil {
		m.report(fmt.Errorf("write mirror: %w", err))
		return
	}
	m.digest = d
	m.logger.Debug("mirror written", "path", path, "bytes", len(content))
}

func (m *Mirror) watchDirLocked(dir string) error {
	if m.watched[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if err := m.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.watched[dir] = true
	return nil
}

func (m *Mirror) eventLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case event, ok := <-m.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.touch(filepath.Clean(event.Name))

		case err, ok := <-m.fsWatcher.Errors:
			if !ok {
				return
			}
			m.report(err)
		}
	}
}

// touch restarts the debounce when the mirrored file changed.
func (m *Mirror) touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || name != m.path {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() { m.readBack(gen) })
}

// readBack applies the file to the buffer when it differs from what the
// mirror last saw.
func (m *Mirror) readBack(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	path := m.path
	m.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.report(fmt.Errorf("read mirror: %w", err))
		}
		return
	}
	d := Sum(content)

	m.mu.Lock()
	if m.stopped || gen != m.gen || path != m.path || d == m.digest {
		m.mu.Unlock()
		return
	}
	m.digest = d
	m.mu.Unlock()

	// The engine must still be on the same chapter.
	st := m.buf.State()
	cur, err := m.PathFor(st.Ref(), st.Mode)
	if err != nil || cur != path {
		return
	}
	if _, err := m.buf.ApplyChanges(string(content)); err != nil {
		m.report(fmt.Errorf("apply mirror edit: %w", err))
		return
	}
	m.logger.Info("external edit applied", "path", path, "bytes", len(content))
}

func (m *Mirror) report(err error) {
	m.logger.Warn("mirror error", "error", err)
	select {
	case m.errors <- err:
	default:
	}
}

// writeFileAtomic writes through a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0600); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
