package types

// MetricsManager hands out named series. Asking twice for the same name and
// labels returns the same series.
type MetricsManager interface {
	LifecycleManager
	Counter(name string, labels map[string]string) Counter
	Gauge(name string, labels map[string]string) Gauge
	Histogram(name string, buckets []float64, labels map[string]string) Histogram
	Snapshot() ([]MetricValue, error)
}

type Counter interface {
	Inc()
	Add(value float64)
	Get() float64
}

type Gauge interface {
	Set(value float64)
	Add(value float64)
	Get() float64
}

type Histogram interface {
	Observe(value float64)
	Count() uint64
	Sum() float64
}

type MetricsManagerCreator func(config *MetricsConfig) (MetricsManager, error)

// MetricValue is one series in a snapshot. Histograms report their sum as
// Value and carry cumulative bucket counts.
type MetricValue struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Value   float64           `json:"value"`
	Count   uint64            `json:"count,omitempty"`
	Buckets []MetricBucket    `json:"buckets,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type MetricBucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}
