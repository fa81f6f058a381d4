// Package metrics implements a process-wide, bounded-memory metrics
// collector: counters, gauges, and ring-bounded histograms, exported in
// Prometheus text exposition format 0.0.4.
//
// The collector is constructed once (in internal/server.New) and passed explicitly
// into every component that needs it rather than discovered via an ambient
// singleton, so tests stay hermetic.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// defaultBuckets is the fixed bucket ladder (seconds) used for every
// histogram; Observe offers no way to supply another.
var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ringCapacity bounds the number of recent raw observations kept per
// histogram series, independent of how many observations have occurred —
// histogram memory is O(buckets + ring-size) per series regardless of
// total observations.
const ringCapacity = 256

// Collector is a process-wide registry of counters, gauges and histograms.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]*counter
	gauges     map[string]*gauge
	histograms map[string]*histogram
	descs      map[string]string // name -> help text, first registration wins
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{
		counters:   make(map[string]*counter),
		gauges:     make(map[string]*gauge),
		histograms: make(map[string]*histogram),
		descs:      make(map[string]string),
	}
}

type counter struct {
	mu    sync.Mutex
	value int64
}

type gauge struct {
	mu    sync.Mutex
	value int64
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // counts[i] = observations <= buckets[i]
	sum     float64
	count   int64
	ring    []float64
	ringPos int
}

func newHistogram(buckets []float64) *histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	return &histogram{
		buckets: buckets,
		counts:  make([]int64, len(buckets)),
		ring:    make([]float64, 0, ringCapacity),
	}
}

// key encodes a metric name and its labels into a single map key by simple
// concatenation.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Inc increments a counter by delta (must be >= 0).
func (c *Collector) Inc(name string, labels map[string]string, delta int64) {
	if delta < 0 {
		delta = 0
	}
	k := key(name, labels)
	c.mu.Lock()
	ctr, ok := c.counters[k]
	if !ok {
		ctr = &counter{}
		c.counters[k] = ctr
		c.registerLabels(name, k, labels)
	}
	c.mu.Unlock()

	ctr.mu.Lock()
	ctr.value += delta
	ctr.mu.Unlock()
}

// SetGauge sets a gauge to an absolute value.
func (c *Collector) SetGauge(name string, labels map[string]string, value int64) {
	k := key(name, labels)
	c.mu.Lock()
	g, ok := c.gauges[k]
	if !ok {
		g = &gauge{}
		c.gauges[k] = g
		c.registerLabels(name, k, labels)
	}
	c.mu.Unlock()

	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

// IncGauge adjusts a gauge by delta (may be negative).
func (c *Collector) IncGauge(name string, labels map[string]string, delta int64) {
	k := key(name, labels)
	c.mu.Lock()
	g, ok := c.gauges[k]
	if !ok {
		g = &gauge{}
		c.gauges[k] = g
		c.registerLabels(name, k, labels)
	}
	c.mu.Unlock()

	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

// Observe records a histogram observation.
func (c *Collector) Observe(name string, labels map[string]string, value float64) {
	k := key(name, labels)
	c.mu.Lock()
	h, ok := c.histograms[k]
	if !ok {
		h = newHistogram(nil)
		c.histograms[k] = h
		c.registerLabels(name, k, labels)
	}
	c.mu.Unlock()

	h.mu.Lock()
	for i, le := range h.buckets {
		if value <= le {
			h.counts[i]++
		}
	}
	h.sum += value
	h.count++
	if len(h.ring) < ringCapacity {
		h.ring = append(h.ring, value)
	} else {
		h.ring[h.ringPos] = value
		h.ringPos = (h.ringPos + 1) % ringCapacity
	}
	h.mu.Unlock()
}

func (c *Collector) registerLabels(name, fullKey string, labels map[string]string) {
	if _, ok := c.descs[name]; !ok {
		c.descs[name] = fmt.Sprintf("%s (label key: %s)", name, fullKey)
	}
}

// RecentObservations returns a snapshot of the bounded ring of recent
// observations for a histogram series (used by tests verifying the
// O(ring-capacity) memory invariant).
func (c *Collector) RecentObservations(name string, labels map[string]string) []float64 {
	k := key(name, labels)
	c.mu.Lock()
	h, ok := c.histograms[k]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.ring))
	copy(out, h.ring)
	return out
}

// splitKey recovers the metric name and label string from an encoded key.
func splitKey(k string) (name string, labelPart string) {
	if i := strings.IndexByte(k, '\x1f'); i >= 0 {
		return k[:i], k[i:]
	}
	return k, ""
}

func decodeLabels(labelPart string) string {
	if labelPart == "" {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(labelPart, "\x1f"), "\x1f")
	pairs := make([]string, 0, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, '='); i >= 0 {
			pairs = append(pairs, fmt.Sprintf("%s=%q", p[:i], p[i+1:]))
		}
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// WriteExposition writes all registered series in Prometheus text
// exposition format 0.0.4 to w.
func (c *Collector) WriteExposition(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	emittedType := make(map[string]bool)

	names := make([]string, 0, len(c.counters)+len(c.gauges)+len(c.histograms))
	for k := range c.counters {
		names = append(names, "c:"+k)
	}
	for k := range c.gauges {
		names = append(names, "g:"+k)
	}
	for k := range c.histograms {
		names = append(names, "h:"+k)
	}
	sort.Strings(names)

	for _, kind := range names {
		k := kind[2:]
		name, labelPart := splitKey(k)
		labels := decodeLabels(labelPart)

		switch kind[0] {
		case 'c':
			if !emittedType[name+":counter"] {
				fmt.Fprintf(w, "# TYPE %s counter\n", name)
				emittedType[name+":counter"] = true
			}
			ctr := c.counters[k]
			ctr.mu.Lock()
			fmt.Fprintf(w, "%s%s %d\n", name, labels, ctr.value)
			ctr.mu.Unlock()
		case 'g':
			if !emittedType[name+":gauge"] {
				fmt.Fprintf(w, "# TYPE %s gauge\n", name)
				emittedType[name+":gauge"] = true
			}
			g := c.gauges[k]
			g.mu.Lock()
			fmt.Fprintf(w, "%s%s %d\n", name, labels, g.value)
			g.mu.Unlock()
		case 'h':
			if !emittedType[name+":histogram"] {
				fmt.Fprintf(w, "# TYPE %s histogram\n", name)
				emittedType[name+":histogram"] = true
			}
			h := c.histograms[k]
			h.mu.Lock()
			cum := int64(0)
			for i, le := range h.buckets {
				cum = h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"%s} %d\n", name, le, stripBraces(labels), cum)
			}
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"%s} %d\n", name, stripBraces(labels), h.count)
			fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
			fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
			h.mu.Unlock()
		}
	}
	return nil
}

// stripBraces turns "{a=\"b\"}" into ",a=\"b\"" for embedding alongside the
// le= label, or "" for no labels.
func stripBraces(labels string) string {
	if labels == "" {
		return ""
	}
	return "," + strings.TrimSuffix(strings.TrimPrefix(labels, "{"), "}")
}
