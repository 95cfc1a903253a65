package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coseditor/internal/cos"
	"coseditor/internal/cos/costest"
	"coseditor/internal/testutil"
)

type fakePinger struct {
	mu    sync.Mutex
	ok    bool
	calls int
}

func (f *fakePinger) HealthCheck(context.Context) cos.HealthResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return cos.HealthResult{OK: f.ok, Latency: 12 * time.Millisecond}
}

func (f *fakePinger) BaseURL() string { return "http://cos.test" }

func (f *fakePinger) set(ok bool) {
	f.mu.Lock()
	f.ok = ok
	f.mu.Unlock()
}

func (f *fakePinger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ============================================================================
// Monitor
// ============================================================================

func TestMonitor_ChecksImmediatelyThenEveryInterval(t *testing.T) {
	p := &fakePinger{ok: true}
	clk := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMonitor(p, WithClock(clk), WithLogger(quiet()))
	defer m.Close()

	var got []ConnectionStatus
	m.OnChange(func(st ConnectionStatus) { got = append(got, st) })

	m.Start()
	m.Start() // no second loop
	clk.Advance(0)
	require.Len(t, got, 1)
	assert.True(t, got[0].Connected)
	assert.Equal(t, "http://cos.test", got[0].APIURL)
	assert.Equal(t, 12*time.Millisecond, got[0].Latency)
	assert.Empty(t, got[0].Error)

	clk.Advance(DefaultInterval - time.Millisecond)
	assert.Equal(t, 1, p.count())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, p.count())

	p.set(false)
	clk.Advance(DefaultInterval)
	require.Len(t, got, 3)
	assert.False(t, got[2].Connected)
	assert.Equal(t, "Health check failed (12ms)", got[2].Error)

	last, ok := m.Last()
	require.True(t, ok)
	assert.False(t, last.Connected)
}

func TestMonitor_StopAndRestart(t *testing.T) {
	p := &fakePinger{ok: true}
	clk := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMonitor(p, WithClock(clk), WithLogger(quiet()), WithInterval(time.Second))
	defer m.Close()

	m.Start()
	clk.Advance(0)
	m.Stop()
	clk.Advance(time.Minute)
	assert.Equal(t, 1, p.count())
	assert.Equal(t, 0, clk.Pending())

	m.Start()
	clk.Advance(0)
	clk.Advance(time.Second)
	assert.Equal(t, 3, p.count())
}

func TestMonitor_CloseIsFinal(t *testing.T) {
	p := &fakePinger{ok: true}
	clk := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMonitor(p, WithClock(clk), WithLogger(quiet()))

	m.Close()
	m.Start()
	clk.Advance(time.Minute)
	assert.Equal(t, 0, p.count())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	p := &fakePinger{ok: true}
	m := NewMonitor(p, WithLogger(quiet()))
	defer m.Close()

	n := 0
	unsub := m.OnChange(func(ConnectionStatus) { n++ })
	m.CheckNow(context.Background())
	unsub()
	m.CheckNow(context.Background())
	assert.Equal(t, 1, n)
}

func TestTestConnection(t *testing.T) {
	res := TestConnection(context.Background(), &fakePinger{ok: true})
	assert.True(t, res.Success)
	assert.Equal(t, "Connected (12ms)", res.Message)
	assert.EqualValues(t, 12, res.LatencyMs)

	res = TestConnection(context.Background(), &fakePinger{ok: false})
	assert.False(t, res.Success)
	assert.Equal(t, "Health check failed", res.Message)
}

func TestMonitor_AgainstStore(t *testing.T) {
	srv := costest.NewServer()
	defer srv.Close()
	client := cos.New(srv.URL, "tenant-a")
	m := NewMonitor(client, WithLogger(quiet()), WithTimeout(time.Second))
	defer m.Close()

	st := m.CheckNow(context.Background())
	assert.True(t, st.Connected)
	assert.Equal(t, srv.URL, st.APIURL)

	srv.SetHealthy(false)
	st = m.CheckNow(context.Background())
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)
}

// ============================================================================
// Checker
// ============================================================================

func TestChecker_OverallStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("store", true, func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	c.RegisterFunc("journal", false, func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not yet checked")

	results := c.Check(context.Background())
	assert.Len(t, results, 2)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
	assert.Equal(t, []string{"store", "journal"}, c.Names())
}

func TestChecker_RegisterReplaces(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })
	c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.RegisterFunc("store", true, func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	assert.Equal(t, []string{"store"}, c.Names())
	assert.Equal(t, StatusUnknown, c.OverallStatus())
	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestChecker_TimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("bad") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, "check panicked", results["boom"].Message)
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestChecker_Handler(t *testing.T) {
	p := &fakePinger{ok: true}
	m := NewMonitor(p, WithLogger(quiet()))
	defer m.Close()

	c := NewChecker()
	c.RegisterFunc("store", true, m.Check)
	c.RegisterFunc("journal", false, PingCheck("journal", func(context.Context) error { return errors.New("locked") }))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, "locked", body.Components["journal"].Error)
	assert.Equal(t, "journal unreachable", body.Components["journal"].Message)
	assert.Equal(t, "store reachable", body.Components["store"].Message)

	p.set(false)
	m.CheckNow(context.Background())
	resp2, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
