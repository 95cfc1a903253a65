package health

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

// DefaultInterval is the delay between connection checks.
const DefaultInterval = 10 * time.Second

// Pinger is the part of the store client the monitor needs.
type Pinger interface {
	HealthCheck(ctx context.Context) cos.HealthResult
	BaseURL() string
}

// ConnectionStatus is what listeners are told after every check.
type ConnectionStatus struct {
	Connected bool          `json:"connected"`
	APIURL    string        `json:"apiUrl"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// TestResult is the outcome of a one-off TestConnection.
type TestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latencyMs"`
}

// TestConnection probes the store once.
func TestConnection(ctx context.Context, p Pinger) TestResult {
	res := p.HealthCheck(ctx)
	ms := res.LatencyMs()
	if !res.OK {
		return TestResult{Success: false, Message: "Health check failed", LatencyMs: ms}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("Connected (%dms)", ms), LatencyMs: ms}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout bounds each check. 0 leaves it to the client.
func WithTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = d }
}

// Monitor checks the store connection on start and then every interval.
type Monitor struct {
	pinger   Pinger
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	last    ConnectionStatus
	checked bool
	running bool
	gen     uint64
	timer   clock.Timer

	subMu     sync.Mutex
	subs      map[int]func(ConnectionStatus)
	nextSubID int
}

// NewMonitor creates a stopped monitor.
func NewMonitor(p Pinger, opts ...MonitorOption) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		pinger:   p,
		clock:    clock.Real{},
		logger:   slog.Default(),
		interval: DefaultInterval,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(ConnectionStatus)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "health")
	return m
}

// OnChange registers fn to receive every check result.
func (m *Monitor) OnChange(fn func(ConnectionStatus)) func() {
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

// Start begins checking. The first check runs immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.ctx.Err() != nil {
		return
	}
	m.running = true
	m.gen++
	m.scheduleLocked(0)
}

// Stop halts checking; Start resumes it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Close stops the monitor for good and abandons an in-flight check.
func (m *Monitor) Close() {
	m.Stop()
	m.cancel()
}

// Last returns the latest status and whether any check has completed.
func (m *Monitor) Last() (ConnectionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checked
}

// CheckNow runs a check immediately, outside the schedule.
func (m *Monitor) CheckNow(ctx context.Context) ConnectionStatus {
	st := m.probe(ctx)
	m.publish(st)
	return st
}

// Check adapts the monitor to a Checker component. It reports the last
// scheduled result instead of probing again.
func (m *Monitor) Check(ctx context.Context) CheckResult {
	st, ok := m.Last()
	if !ok {
		st = m.CheckNow(ctx)
	}
	details := map[string]any{"api_url": st.APIURL, "latency_ms": st.Latency.Milliseconds()}
	if !st.Connected {
		return CheckResult{Status: StatusUnhealthy, Message: "store unreachable", Error: st.Error, Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "store reachable", Details: details}
}

func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.running = false
	m.gen++
}

func (m *Monitor) scheduleLocked(d time.Duration) {
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	st := m.probe(m.ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.scheduleLocked(m.interval)
	m.mu.Unlock()

	m.publish(st)
}

func (m *Monitor) probe(ctx context.Context) ConnectionStatus {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	res := m.pinger.HealthCheck(ctx)
	st := ConnectionStatus{
		Connected: res.OK,
		APIURL:    m.pinger.BaseURL(),
		Latency:   res.Latency,
		CheckedAt: m.clock.Now(),
	}
	if !res.OK {
		st.Error = fmt.Sprintf("Health check failed (%dms)", res.LatencyMs())
	}
	return st
}

func (m *Monitor) publish(st ConnectionStatus) {
	m.mu.Lock()
	wasConnected := m.last.Connected
	first := !m.checked
	m.last = st
	m.checked = true
	m.mu.Unlock()

	if first || wasConnected != st.Connected {
		if st.Connected {
			m.logger.Info("store reachable", "api_url", st.APIURL, "latency", st.Latency)
		} else {
			m.logger.Warn("store unreachable", "api_url", st.APIURL, "error", st.Error)
		}
	}

	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ConnectionStatus), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
