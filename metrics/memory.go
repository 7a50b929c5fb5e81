package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

const (
	kindCounter   = "counter"
	kindGauge     = "gauge"
	kindHistogram = "histogram"
)

// MemoryMetrics keeps every series in process. Snapshot is its only way out,
// which suits tests and embedders without a scrape endpoint.
type MemoryMetrics struct {
	lifecycle utils.Lifecycle
	mu        sync.RWMutex
	series    map[string]*memorySeries
}

type memorySeries struct {
	name   string
	kind   string
	labels map[string]string
	metric interface{}
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{series: make(map[string]*memorySeries)}
}

func (m *MemoryMetrics) Start() error {
	if err := m.lifecycle.BeginStart(); err != nil {
		return err
	}
	m.lifecycle.Set(utils.StateRunning)
	return nil
}

// Stop keeps the recorded series; a later Snapshot still sees them.
func (m *MemoryMetrics) Stop() error {
	if err := m.lifecycle.BeginStop(); err != nil {
		return err
	}
	m.lifecycle.Set(utils.StateStopped)
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return m.lifecycle.IsRunning()
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	return m.lookup(kindCounter, name, labels, func() interface{} { return &memoryCounter{} }).(*memoryCounter)
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	return m.lookup(kindGauge, name, labels, func() interface{} { return &memoryGauge{} }).(*memoryGauge)
}

// Histogram fixes its buckets on first use; later calls reuse them.
func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return m.lookup(kindHistogram, name, labels, func() interface{} { return newMemoryHistogram(buckets) }).(*memoryHistogram)
}

func (m *MemoryMetrics) lookup(kind, name string, labels map[string]string, build func() interface{}) interface{} {
	key := kind + "|" + seriesKey(name, labels)

	m.mu.RLock()
	s, ok := m.series[key]
	m.mu.RUnlock()
	if ok {
		return s.metric
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok = m.series[key]; ok {
		return s.metric
	}

	s = &memorySeries{name: name, kind: kind, labels: copyLabels(labels), metric: build()}
	m.series[key] = s

	return s.metric
}

func (m *MemoryMetrics) Snapshot() ([]types.MetricValue, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.series))
	for key := range m.series {
		keys = append(keys, key)
	}
	series := make([]*memorySeries, 0, len(keys))
	sort.Strings(keys)
	for _, key := range keys {
		series = append(series, m.series[key])
	}
	m.mu.RUnlock()

	values := make([]types.MetricValue, 0, len(series))
	for _, s := range series {
		value := types.MetricValue{Name: s.name, Type: s.kind, Labels: s.labels}

		switch metric := s.metric.(type) {
		case *memoryCounter:
			value.Value = metric.Get()
		case *memoryGauge:
			value.Value = metric.Get()
		case *memoryHistogram:
			value.Value, value.Count, value.Buckets = metric.snapshot()
		}

		values = append(values, value)
	}

	sort.SliceStable(values, func(i, j int) bool { return values[i].Name < values[j].Name })
	return values, nil
}

// seriesKey is independent of label order.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString("," + k + "=" + labels[k])
	}

	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}

	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

type memoryCounter struct {
	value atomicFloat
}

func (c *memoryCounter) Inc() {
	c.value.add(1)
}

// Add ignores negative deltas; counters only go up.
func (c *memoryCounter) Add(delta float64) {
	if delta > 0 {
		c.value.add(delta)
	}
}

func (c *memoryCounter) Get() float64 {
	return c.value.load()
}

type memoryGauge struct {
	value atomicFloat
}

func (g *memoryGauge) Set(v float64) {
	g.value.store(v)
}

func (g *memoryGauge) Add(delta float64) {
	g.value.add(delta)
}

func (g *memoryGauge) Get() float64 {
	return g.value.load()
}

type memoryHistogram struct {
	bounds []float64
	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

func newMemoryHistogram(buckets []float64) *memoryHistogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)

	return &memoryHistogram{
		bounds: bounds,
		counts: make([]uint64, len(bounds)),
	}
}

func (h *memoryHistogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.sum += v
	h.count++
	h.mu.Unlock()
}

func (h *memoryHistogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *memoryHistogram) snapshot() (float64, uint64, []types.MetricBucket) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make([]types.MetricBucket, len(h.bounds))
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += h.counts[i]
		buckets[i] = types.MetricBucket{UpperBound: bound, Count: cumulative}
	}

	return h.sum, h.count, buckets
}
