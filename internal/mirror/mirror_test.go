package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coseditor/internal/buffer"
	"coseditor/internal/cos"
	"coseditor/internal/cos/costest"
	"coseditor/internal/testutil"
)

// fakeBuffer is a minimal engine stand-in that emits state on every edit.
type fakeBuffer struct {
	mu      sync.Mutex
	st      buffer.State
	open    bool
	applied []string
	subs    []func(buffer.Event)
}

func (f *fakeBuffer) State() buffer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeBuffer) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeBuffer) ApplyChanges(content string) (buffer.State, error) {
	f.mu.Lock()
	f.st.Content = content
	f.st.Dirty = true
	f.applied = append(f.applied, content)
	st := f.st
	f.mu.Unlock()
	f.emit(st)
	return st, nil
}

func (f *fakeBuffer) Subscribe(fn func(buffer.Event)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs = nil
		f.mu.Unlock()
	}
}

// set replaces the state the way a load or save would.
func (f *fakeBuffer) set(st buffer.State) {
	f.mu.Lock()
	f.st = st
	f.open = true
	f.mu.Unlock()
	f.emit(st)
}

func (f *fakeBuffer) emit(st buffer.State) {
	f.mu.Lock()
	subs := append([]func(buffer.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(buffer.Event{Kind: buffer.EventState, State: st})
	}
}

func (f *fakeBuffer) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func state(slug string, mode buffer.Mode, content string) buffer.State {
	return buffer.State{BookID: "novel", Section: cos.SectionBody, Slug: slug, Mode: mode, Content: content}
}

func startMirror(t *testing.T, buf Buffer) (*Mirror, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, buf, WithLogger(quiet()), WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestPathFor(t *testing.T) {
	m, err := New("/srv/mirror", &fakeBuffer{})
	require.NoError(t, err)

	ref := cos.ChapterRef{BookID: "novel", Section: cos.SectionFront, Slug: "preface"}
	p, err := m.PathFor(ref, buffer.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/mirror", "novel", "front", "preface.md"), p)

	p, err = m.PathFor(ref, buffer.ModeDraft)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/mirror", "novel", "front", "preface.draft.md"), p)

	for _, bad := range []cos.ChapterRef{
		{BookID: "..", Section: cos.SectionBody, Slug: "x"},
		{BookID: "a/b", Section: cos.SectionBody, Slug: "x"},
		{BookID: "novel", Section: cos.SectionBody, Slug: ""},
	} {
		_, err := m.PathFor(bad, buffer.ModeLive)
		assert.Error(t, err, "%+v", bad)
	}
}

func TestSum_DistinguishesContent(t *testing.T) {
	assert.Equal(t, Sum([]byte("a")), Sum([]byte("a")))
	assert.NotEqual(t, Sum([]byte("a")), Sum([]byte("b")))
}

func TestMirror_WritesOpenBufferOnStart(t *testing.T) {
	buf := &fakeBuffer{}
	buf.set(state("opening", buffer.ModeDraft, "# Draft"))

	m, dir := startMirror(t, buf)
	want := filepath.Join(dir, "novel", "body", "opening.draft.md")
	assert.Equal(t, want, m.Path())
	assert.Equal(t, "# Draft", readFile(t, want))

	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMirror_FollowsStateEvents(t *testing.T) {
	buf := &fakeBuffer{}
	m, dir := startMirror(t, buf)
	assert.Empty(t, m.Path())

	buf.set(state("opening", buffer.ModeLive, "v1"))
	live := filepath.Join(dir, "novel", "body", "opening.md")
	assert.Equal(t, "v1", readFile(t, live))

	buf.set(state("opening", buffer.ModeLive, "v2"))
	assert.Equal(t, "v2", readFile(t, live))

	buf.set(state("second", buffer.ModeLive, "other"))
	assert.Equal(t, filepath.Join(dir, "novel", "body", "second.md"), m.Path())
	assert.Equal(t, "other", readFile(t, m.Path()))
	assert.Equal(t, "v2", readFile(t, live), "previous file is left alone")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, buf.appliedCount(), "own writes are not read back")
}

func TestMirror_ExternalEditReachesBuffer(t *testing.T) {
	buf := &fakeBuffer{}
	buf.set(state("opening", buffer.ModeDraft, "v1"))
	m, _ := startMirror(t, buf)

	require.NoError(t, os.WriteFile(m.Path(), []byte("v1 edited"), 0600))
	require.Eventually(t, func() bool { return buf.appliedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "v1 edited", buf.State().Content)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, buf.appliedCount(), "the echo of the applied edit is suppressed")
	assert.Equal(t, "v1 edited", readFile(t, m.Path()))
}

func TestMirror_IgnoresOtherFiles(t *testing.T) {
	buf := &fakeBuffer{}
	buf.set(state("opening", buffer.ModeDraft, "v1"))
	m, _ := startMirror(t, buf)

	other := filepath.Join(filepath.Dir(m.Path()), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("scratch"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, buf.appliedCount())
}

func TestMirror_StopIsIdempotent(t *testing.T) {
	buf := &fakeBuffer{}
	m, err := New(t.TempDir(), buf, WithLogger(quiet()))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	buf.set(state("opening", buffer.ModeLive, "after stop"))
	assert.Empty(t, m.Path())
}

func TestMirror_WithEngine(t *testing.T) {
	srv := costest.NewServer()
	defer srv.Close()
	ref := cos.ChapterRef{BookID: "novel", Section: cos.SectionBody, Slug: "opening"}
	srv.Seed(ref, costest.Live, "Opening", "published")

	clk := testutil.NewFakeClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	e := buffer.New(cos.New(srv.URL, "tenant-a"), buffer.WithClock(clk), buffer.WithLogger(quiet()))
	defer e.Close()

	m, _ := startMirror(t, e)
	_, err := e.Open(context.Background(), ref, buffer.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, "published", readFile(t, m.Path()))

	require.NoError(t, os.WriteFile(m.Path(), []byte("published, revised"), 0600))
	require.Eventually(t, func() bool { return e.State().Dirty }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "published, revised", e.State().Content)

	clk.Advance(buffer.DefaultAutosaveDelay)
	head, ok := srv.Head(ref, costest.Live)
	require.True(t, ok)
	assert.Equal(t, "published, revised", head.Content)
	assert.False(t, e.State().Dirty)
}
