// Package metrics provides a small Prometheus-compatible registry for
// wabridge. It renders the text exposition format without pulling in
// prometheus/client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry served at /metrics.
var Default = NewRegistry("wabridge")

// Registry aggregates counters, gauges and histograms keyed by name and labels.
type Registry struct {
	namespace string
	startTime time.Time

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		startTime:  time.Now(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

// Counter is a monotonically increasing counter.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	series
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels renders label pairs as `k1="v1",k2="v2"`. Pairs are given flat.
func Labels(kv ...string) string {
	if len(kv)%2 != 0 {
		kv = append(kv, "")
	}
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		parts = append(parts, kv[i]+`="`+v+`"`)
	}
	return strings.Join(parts, ",")
}

// Counter returns or creates a counter.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name: r.namespace + "_" + name, help: help, labels: labels}
	r.mu.RLock()
	c, ok := r.counters[s.key()]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.key()]; ok {
		return c
	}
	c = &Counter{series: s}
	r.counters[s.key()] = c
	return c
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name: r.namespace + "_" + name, help: help, labels: labels}
	r.mu.RLock()
	g, ok := r.gauges[s.key()]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.key()]; ok {
		return g
	}
	g = &Gauge{series: s}
	r.gauges[s.key()] = g
	return g
}

// Histogram returns or creates a histogram with the given upper bounds.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	s := series{name: r.namespace + "_" + name, help: help, labels: labels}
	r.mu.RLock()
	h, ok := r.histograms[s.key()]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.key()]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h = &Histogram{series: s, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[s.key()] = h
	return h
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every series, grouped by metric name in sorted order.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	uptime := r.namespace + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(r.Uptime().Seconds()))

	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.RUnlock()

	last := ""
	for _, c := range counters {
		writeHeader(&sb, &last, c.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", withLabels(c.name, c.labels), c.Value())
	}
	for _, g := range gauges {
		writeHeader(&sb, &last, g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", withLabels(g.name, g.labels), g.Value())
	}
	for _, h := range histograms {
		writeHeader(&sb, &last, h.series, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_bucket", joinLabels(h.labels, `le="`+bound+`"`)), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_bucket", joinLabels(h.labels, `le="+Inf"`)), h.count)
		fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", withLabels(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeHeader(sb *strings.Builder, last *string, s series, kind string) {
	if *last == s.name {
		return
	}
	*last = s.name
	fmt.Fprintf(sb, "# HELP %s %s\n", s.name, s.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", s.name, kind)
}

func withLabels(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
