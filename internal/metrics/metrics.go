// Package metrics provides Prometheus-compatible sync metrics for coseditor.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels is the label set of one series.
type Labels map[string]string

// String renders labels in exposition order, e.g. {mode="draft"}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(l)) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// with returns the label set extended by one pair, formatted for a
// histogram bucket line.
func (l Labels) with(k, v string) string {
	ext := Labels{k: v}
	for lk, lv := range l {
		ext[lk] = lv
	}
	return ext.String()
}

// Counter only goes up.
type Counter struct {
	labels Labels
	value  atomic.Uint64
}

func (c *Counter) Inc() { c.value.Add(1) }

func (c *Counter) Add(v uint64) { c.value.Add(v) }

func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge holds the latest value of something that rises and falls.
type Gauge struct {
	labels Labels
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }

// SetBool stores 1 for true and 0 for false.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// DurationBuckets suit save round trips, in seconds.
var DurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

func newHistogram(labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count is the number of observations so far.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum is the total of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type family struct {
	name   string
	help   string
	kind   string
	series map[string]any // label string -> *Counter | *Gauge | *Histogram
}

// Registry holds metric families. Asking for a name and label set that
// already exists returns the existing series.
type Registry struct {
	namespace string

	mu       sync.RWMutex
	families map[string]*family
}

// NewRegistry creates a Registry whose metric names are prefixed with
// namespace_.
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, families: make(map[string]*family)}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func (r *Registry) series(name, help, kind string, labels Labels, mk func() any) any {
	full := r.fullName(name)
	key := labels.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[full]
	if !ok {
		f = &family{name: full, help: help, kind: kind, series: make(map[string]any)}
		r.families[full] = f
	}
	if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", full, f.kind, kind))
	}
	s, ok := f.series[key]
	if !ok {
		s = mk()
		f.series[key] = s
	}
	return s
}

// Counter returns the counter series for name and labels.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	return r.series(name, help, "counter", labels, func() any { return &Counter{labels: labels} }).(*Counter)
}

// Gauge returns the gauge series for name and labels.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	return r.series(name, help, "gauge", labels, func() any { return &Gauge{labels: labels} }).(*Gauge)
}

// Histogram returns the histogram series for name and labels. Buckets
// apply only on first registration.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return r.series(name, help, "histogram", labels, func() any { return newHistogram(labels, buckets) }).(*Histogram)
}

// WritePrometheus writes every family in text exposition format, sorted
// by name and label set.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range slices.Sorted(maps.Keys(r.families)) {
		f := r.families[n]
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind); err != nil {
			return err
		}
		for _, k := range slices.Sorted(maps.Keys(f.series)) {
			var err error
			switch s := f.series[k].(type) {
			case *Counter:
				_, err = fmt.Fprintf(w, "%s%s %d\n", f.name, k, s.Value())
			case *Gauge:
				_, err = fmt.Fprintf(w, "%s%s %d\n", f.name, k, s.Value())
			case *Histogram:
				err = writeHistogram(w, f.name, k, s)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		le := h.labels.with("le", fmt.Sprintf("%g", bound))
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, le, cumulative); err != nil {
			return err
		}
	}
	cumulative += h.counts[len(h.buckets)]
	if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, h.labels.with("le", "+Inf"), cumulative); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_sum%s %g\n%s_count%s %d\n", name, labels, h.sum, name, labels, h.count)
	return err
}

// HTTPHandler serves the registry in Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
