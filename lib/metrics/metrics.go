// Package metrics provides simple metrics collection for poolbench.
// Supports Prometheus exposition format so a long benchmark or dbdown run
// can be scraped while it is in progress.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value uint64
	name  string
	help  string
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	c := &Counter{
		name: name,
		help: help,
	}
	defaultRegistry.register(c)
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	atomic.AddUint64(&c.value, v)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) prometheus() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", c.name, c.help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", c.name))
	sb.WriteString(fmt.Sprintf("%s %d\n", c.name, c.Value()))
	return sb.String()
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value int64
	name  string
	help  string
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{
		name: name,
		help: help,
	}
	defaultRegistry.register(g)
	return g
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) {
	atomic.AddInt64(&g.value, v)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

func (g *Gauge) prometheus() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", g.name, g.help))
	sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", g.name))
	sb.WriteString(fmt.Sprintf("%s %d\n", g.name, g.Value()))
	return sb.String()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a new histogram metric.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	defaultRegistry.register(h)
	return h
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) prometheus() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", h.name, h.help))
	sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", h.name))

	for i, b := range h.buckets {
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i]))
	}
	sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count))
	sb.WriteString(fmt.Sprintf("%s_sum %g\n", h.name, h.sum))
	sb.WriteString(fmt.Sprintf("%s_count %d\n", h.name, h.count))

	return sb.String()
}

// vec holds one child metric per value of a single label.
type vec[M any] struct {
	mu       sync.Mutex
	name     string
	help     string
	kind     string
	label    string
	children map[string]*M
	newChild func() *M
	value    func(*M) string
}

func (v *vec[M]) with(value string) *M {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.children[value]
	if !ok {
		m = v.newChild()
		v.children[value] = m
	}
	return m
}

func (v *vec[M]) prometheus() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	values := make([]string, 0, len(v.children))
	for val := range v.children {
		values = append(values, val)
	}
	sort.Strings(values)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", v.name, v.help))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", v.name, v.kind))
	for _, val := range values {
		sb.WriteString(fmt.Sprintf("%s{%s=%q} %s\n", v.name, v.label, val, v.value(v.children[val])))
	}
	return sb.String()
}

// CounterVec is a family of counters partitioned by one label.
type CounterVec struct {
	vec[Counter]
}

// NewCounterVec creates a counter family keyed by label.
func NewCounterVec(name, help, label string) *CounterVec {
	cv := &CounterVec{vec[Counter]{
		name:     name,
		help:     help,
		kind:     "counter",
		label:    label,
		children: make(map[string]*Counter),
		newChild: func() *Counter { return &Counter{name: name, help: help} },
		value:    func(c *Counter) string { return fmt.Sprintf("%d", c.Value()) },
	}}
	defaultRegistry.register(cv)
	return cv
}

// With returns the counter for the given label value, creating it on first use.
func (cv *CounterVec) With(value string) *Counter {
	return cv.with(value)
}

// GaugeVec is a family of gauges partitioned by one label.
type GaugeVec struct {
	vec[Gauge]
}

// NewGaugeVec creates a gauge family keyed by label.
func NewGaugeVec(name, help, label string) *GaugeVec {
	gv := &GaugeVec{vec[Gauge]{
		name:     name,
		help:     help,
		kind:     "gauge",
		label:    label,
		children: make(map[string]*Gauge),
		newChild: func() *Gauge { return &Gauge{name: name, help: help} },
		value:    func(g *Gauge) string { return fmt.Sprintf("%d", g.Value()) },
	}}
	defaultRegistry.register(gv)
	return gv
}

// With returns the gauge for the given label value, creating it on first use.
func (gv *GaugeVec) With(value string) *Gauge {
	return gv.with(value)
}

// metric is the interface for all metric types.
type metric interface {
	prometheus() string
}

// Registry holds all registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// defaultRegistry is the global metric registry.
var defaultRegistry = &Registry{
	metrics: make(map[string]metric),
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := m.(type) {
	case *Counter:
		r.metrics[v.name] = m
	case *Gauge:
		r.metrics[v.name] = m
	case *Histogram:
		r.metrics[v.name] = m
	case *CounterVec:
		r.metrics[v.name] = m
	case *GaugeVec:
		r.metrics[v.name] = m
	}
}

// Expose returns all metrics in Prometheus exposition format.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Sort names for consistent output
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(r.metrics[name].prometheus())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(defaultRegistry.Expose()))
	})
}

// Expose returns the default registry in Prometheus exposition format.
func Expose() string {
	return defaultRegistry.Expose()
}

// DefaultLatencyBuckets are histogram buckets in seconds, from 100µs to 10s.
var DefaultLatencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Default metrics for poolbench
var (
	// Benchmark metrics
	BenchOpsTotal     = NewCounter("poolbench_bench_ops_total", "Total benchmark operations completed")
	BenchErrorsTotal  = NewCounter("poolbench_bench_errors_total", "Total benchmark operations that failed")
	BenchTrialsTotal  = NewCounter("poolbench_bench_trials_total", "Total benchmark trials run")
	BenchActiveWorker = NewGauge("poolbench_bench_active_workers", "Number of benchmark workers currently running")

	// DB-down probe metrics
	ProbeRunsTotal     = NewCounter("poolbench_dbdown_runs_total", "Total dbdown task runs")
	ProbeAcquireFailed = NewCounter("poolbench_dbdown_acquire_failed_total", "Total dbdown runs that could not get a connection")
	ProbeQueryFailed   = NewCounter("poolbench_dbdown_query_failed_total", "Total dbdown runs that got a bad connection")
	BackendReachable   = NewGauge("poolbench_backend_reachable", "Whether the backing database answered the last probe (1=yes, 0=no)")

	// Uptime
	StartTime = NewGauge("poolbench_start_time_seconds", "Unix timestamp when the process started")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
