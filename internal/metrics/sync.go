package metrics

import (
	"time"
)

// SyncMetrics instruments the buffer engine and the connection monitor.
// It satisfies buffer.Metrics.
type SyncMetrics struct {
	registry *Registry
	start    time.Time

	ConflictsTotal        map[string]*Counter // by operation
	AutosaveFailuresTotal *Counter
	AcceptsTotal          *Counter
	BufferDirty           *Gauge
	StoreUp               *Gauge
	CaptureSettledTotal   *Counter
}

// NewSyncMetrics registers the sync metric families on registry.
func NewSyncMetrics(registry *Registry) *SyncMetrics {
	m := &SyncMetrics{
		registry: registry,
		start:    time.Now(),
		ConflictsTotal: map[string]*Counter{
			"save":   registry.Counter("conflicts_total", "Writes rejected because the head moved", Labels{"operation": "save"}),
			"accept": registry.Counter("conflicts_total", "Writes rejected because the head moved", Labels{"operation": "accept"}),
		},
		AutosaveFailuresTotal: registry.Counter("autosave_failures_total", "Autosaves that failed for reasons other than a conflict", nil),
		AcceptsTotal:          registry.Counter("accepts_total", "Drafts promoted to live", nil),
		BufferDirty:           registry.Gauge("buffer_dirty", "1 while the open buffer has unsaved edits", nil),
		StoreUp:               registry.Gauge("store_up", "1 while the manuscript store answers health checks", nil),
		CaptureSettledTotal:   registry.Counter("capture_settled_total", "Captured todos that reached a terminal status", nil),
	}
	for _, mode := range []string{"live", "draft"} {
		m.saves(mode)
		m.saveFailures(mode)
		m.saveDuration(mode)
	}
	return m
}

func (m *SyncMetrics) saves(mode string) *Counter {
	return m.registry.Counter("saves_total", "Successful buffer saves", Labels{"mode": mode})
}

func (m *SyncMetrics) saveFailures(mode string) *Counter {
	return m.registry.Counter("save_failures_total", "Buffer saves that did not produce a revision", Labels{"mode": mode})
}

func (m *SyncMetrics) saveDuration(mode string) *Histogram {
	return m.registry.Histogram("save_duration_seconds", "Round trip of a buffer save", Labels{"mode": mode}, DurationBuckets)
}

// SaveCompleted records one save round trip.
func (m *SyncMetrics) SaveCompleted(mode string, d time.Duration, err error) {
	m.saveDuration(mode).ObserveDuration(d)
	if err != nil {
		m.saveFailures(mode).Inc()
		return
	}
	m.saves(mode).Inc()
}

// ConflictDetected counts a rejected write.
func (m *SyncMetrics) ConflictDetected(operation string) {
	c, ok := m.ConflictsTotal[operation]
	if !ok {
		c = m.registry.Counter("conflicts_total", "Writes rejected because the head moved", Labels{"operation": operation})
	}
	c.Inc()
}

func (m *SyncMetrics) AutosaveFailed() { m.AutosaveFailuresTotal.Inc() }

func (m *SyncMetrics) DraftAccepted() { m.AcceptsTotal.Inc() }

func (m *SyncMetrics) DirtyChanged(dirty bool) { m.BufferDirty.SetBool(dirty) }

// StoreReachable mirrors the connection monitor.
func (m *SyncMetrics) StoreReachable(up bool) { m.StoreUp.SetBool(up) }

// CaptureSettled counts a todo reaching a terminal status.
func (m *SyncMetrics) CaptureSettled() { m.CaptureSettledTotal.Inc() }

// Saves returns the successful save count for mode.
func (m *SyncMetrics) Saves(mode string) uint64 { return m.saves(mode).Value() }

// SaveFailures returns the failed save count for mode.
func (m *SyncMetrics) SaveFailures(mode string) uint64 { return m.saveFailures(mode).Value() }

// Uptime reports how long the metrics have been collected.
func (m *SyncMetrics) Uptime() time.Duration { return time.Since(m.start) }
