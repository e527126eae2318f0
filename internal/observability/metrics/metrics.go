// Package metrics is a small dependency-free metrics registry with a
// Prometheus text-format HTTP handler. Counters and gauges are
// lock-free; histograms take a mutex per observation.
package metrics

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels tag a metric series. Two series with the same name and equal
// labels are the same series.
type Labels map[string]string

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	labels Labels
	value  int64
}

func (c *Counter) Inc() { atomic.AddInt64(&c.value, 1) }

func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.value, delta) }

func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that moves both ways, stored as float64 bits.
type Gauge struct {
	name   string
	labels Labels
	bits   uint64
}

func (g *Gauge) Set(v float64) { atomic.StoreUint64(&g.bits, math.Float64bits(v)) }

func (g *Gauge) Inc() { g.Add(1) }

func (g *Gauge) Dec() { g.Add(-1) }

// Add folds delta in with a compare-and-swap loop so concurrent adds
// never lose updates.
func (g *Gauge) Add(delta float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *Gauge) Value() float64 { return math.Float64frombits(atomic.LoadUint64(&g.bits)) }

// DefaultBuckets bound histogram buckets in milliseconds.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	name   string
	labels Labels
	bounds []float64

	mu     sync.RWMutex
	counts []int64
	sum    float64
	count  int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := len(h.bounds)
	for i, bound := range h.bounds {
		if v <= bound {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += v
	h.count++
}

// ObserveDuration records a duration in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Histogram) Sum() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sum
}

func (h *Histogram) snapshot() ([]int64, float64, int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make([]int64, len(h.counts))
	copy(counts, h.counts)
	return counts, h.sum, h.count
}

// Registry holds metric series and hands out the same instance for the
// same name and labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// DefaultRegistry serves callers that do not carry their own.
var DefaultRegistry = NewRegistry()

// Counter gets or creates a counter series.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, labels: labels}
	r.counters[key] = c
	return c
}

// Gauge gets or creates a gauge series.
func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, labels: labels}
	r.gauges[key] = g
	return g
}

// Histogram gets or creates a histogram series. Nil bounds use
// DefaultBuckets.
func (r *Registry) Histogram(name string, labels Labels, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DefaultBuckets
	}
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := &Histogram{name: name, labels: labels, bounds: bounds, counts: make([]int64, len(bounds)+1)}
	r.histograms[key] = h
	return h
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(r.render()))
	})
}

// render emits the series sorted by key so output is stable across
// scrapes.
func (r *Registry) render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		b.WriteString("# TYPE " + c.name + " counter\n")
		writeSeries(&b, c.name, c.labels, float64(c.Value()))
	}
	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		b.WriteString("# TYPE " + g.name + " gauge\n")
		writeSeries(&b, g.name, g.labels, g.Value())
	}
	for _, key := range sortedKeys(r.histograms) {
		h := r.histograms[key]
		counts, sum, count := h.snapshot()

		b.WriteString("# TYPE " + h.name + " histogram\n")
		cumulative := int64(0)
		for i, bound := range h.bounds {
			cumulative += counts[i]
			writeSeries(&b, h.name+"_bucket", withLabel(h.labels, "le", formatValue(bound)), float64(cumulative))
		}
		cumulative += counts[len(h.bounds)]
		writeSeries(&b, h.name+"_bucket", withLabel(h.labels, "le", "+Inf"), float64(cumulative))
		writeSeries(&b, h.name+"_sum", h.labels, sum)
		writeSeries(&b, h.name+"_count", h.labels, float64(count))
	}
	return b.String()
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeSeries(b *strings.Builder, name string, labels Labels, value float64) {
	b.WriteString(name)
	if len(labels) > 0 {
		b.WriteByte('{')
		for i, k := range sortedKeys(labels) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k + `="` + labels[k] + `"`)
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(formatValue(value))
	b.WriteByte('\n')
}

func withLabel(labels Labels, key, value string) Labels {
	out := make(Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// seriesKey joins name and sorted labels so logically equal label maps
// land on the same series.
func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	for _, k := range sortedKeys(labels) {
		key += "," + k + "=" + labels[k]
	}
	return key
}
