// Package metrics is a dependency-free Prometheus text-exposition registry
// for the string hub's observables: per-kind sort engine counters, RAPCal
// processing-mode transitions, and dispatch-level gating counts.
//
// It is hand-rolled in the style the teacher corpus itself uses for this
// exact concern (an atomic-counter struct with a manual "# HELP"/"# TYPE"
// writer, not a client library) rather than a third-party metrics client,
// since no such client appears anywhere in the retrieved dependency surface.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// kind is "counter" or "gauge", per the Prometheus text exposition format.
type kind string

const (
	counter kind = "counter"
	gauge   kind = "gauge"
)

type family struct {
	help string
	kind kind
	v    atomic.Int64
}

// Registry holds a named set of counters and gauges and can serve them in
// Prometheus text exposition format.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// Counter returns (creating if necessary) a monotonically-increasing metric
// named name. help is recorded once, at first creation.
func (r *Registry) Counter(name, help string) *Metric {
	return r.get(name, help, counter)
}

// Gauge returns (creating if necessary) a metric named name whose value may
// move in either direction. help is recorded once, at first creation.
func (r *Registry) Gauge(name, help string) *Metric {
	return r.get(name, help, gauge)
}

func (r *Registry) get(name, help string, k kind) *Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{help: help, kind: k}
		r.families[name] = f
	}
	return &Metric{f: f}
}

// Handler returns an http.Handler serving every registered metric in
// Prometheus text exposition format on every GET request.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		r.writeTo(w)
	})
}

func (r *Registry) writeTo(w io.Writer) {
	r.mu.Lock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, n := range names {
		r.mu.Lock()
		f := r.families[n]
		r.mu.Unlock()
		fmt.Fprintf(w, "# HELP %s %s\n", n, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", n, f.kind)
		fmt.Fprintf(w, "%s %d\n", n, f.v.Load())
	}
}

// Metric is a single counter or gauge handle.
type Metric struct {
	f *family
}

// Add adds delta to the metric's current value. Use a negative delta only
// on a Gauge.
func (m *Metric) Add(delta int64) {
	m.f.v.Add(delta)
}

// Set stores v as the metric's current value. Intended for gauges.
func (m *Metric) Set(v int64) {
	m.f.v.Store(v)
}

// Value returns the metric's current value.
func (m *Metric) Value() int64 {
	return m.f.v.Load()
}
