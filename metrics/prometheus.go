package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

type PrometheusConfig struct {
	Namespace       string `json:"namespace"`
	EnableGoMetrics bool   `json:"enable_go_metrics"`
}

// PrometheusMetrics registers series on a private registry that an embedder
// can hand to promhttp. A metric name keeps the label names and kind of its
// first use; a mismatching request gets a discarding series.
type PrometheusMetrics struct {
	logger      types.Logger
	namespace   string
	constLabels prometheus.Labels
	registry    *prometheus.Registry
	lifecycle   utils.Lifecycle
	mu          sync.Mutex
	vecs        map[string]prometheus.Collector
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "sai_memcache",
		EnableGoMetrics: true,
	}

	if config.Prefix != "" {
		promConfig.Namespace = config.Prefix
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.JoinError(types.ErrMetricsConfigInvalid, err)
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &PrometheusMetrics{
		logger:      logger,
		namespace:   promConfig.Namespace,
		constLabels: config.Labels,
		registry:    registry,
		vecs:        make(map[string]prometheus.Collector),
	}, nil
}

// Registry is the gatherer behind Snapshot.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Start() error {
	if err := p.lifecycle.BeginStart(); err != nil {
		return err
	}
	p.lifecycle.Set(utils.StateRunning)
	p.logger.Info("Prometheus metrics started", zap.String("namespace", p.namespace))
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if err := p.lifecycle.BeginStop(); err != nil {
		return err
	}
	p.lifecycle.Set(utils.StateStopped)
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return p.lifecycle.IsRunning()
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	collector, err := p.vec(name, labels, func(opts prometheus.Opts, labelNames []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts(opts), labelNames)
	})

	vec, ok := collector.(*prometheus.CounterVec)
	if err != nil || !ok {
		return p.mismatch(name, "counter", err)
	}

	counter, err := vec.GetMetricWith(labels)
	if err != nil {
		return p.mismatch(name, "counter", err)
	}

	return promCounter{counter}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	collector, err := p.vec(name, labels, func(opts prometheus.Opts, labelNames []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), labelNames)
	})

	vec, ok := collector.(*prometheus.GaugeVec)
	if err != nil || !ok {
		return p.mismatch(name, "gauge", err)
	}

	gauge, err := vec.GetMetricWith(labels)
	if err != nil {
		return p.mismatch(name, "gauge", err)
	}

	return promGauge{gauge}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	collector, err := p.vec(name, labels, func(opts prometheus.Opts, labelNames []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        opts.Name,
			Help:        opts.Help,
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, labelNames)
	})

	vec, ok := collector.(*prometheus.HistogramVec)
	if err != nil || !ok {
		return p.mismatch(name, "histogram", err)
	}

	observer, err := vec.GetMetricWith(labels)
	if err != nil {
		return p.mismatch(name, "histogram", err)
	}

	histogram, ok := observer.(prometheus.Histogram)
	if !ok {
		return p.mismatch(name, "histogram", nil)
	}

	return promHistogram{histogram}
}

func (p *PrometheusMetrics) vec(name string, labels map[string]string, build func(prometheus.Opts, []string) prometheus.Collector) (prometheus.Collector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if collector, ok := p.vecs[name]; ok {
		return collector, nil
	}

	collector := build(prometheus.Opts{
		Namespace:   p.namespace,
		Name:        name,
		Help:        strings.ReplaceAll(name, "_", " "),
		ConstLabels: p.constLabels,
	}, labelNames(labels))

	if err := p.registry.Register(collector); err != nil {
		return nil, err
	}

	p.vecs[name] = collector
	return collector, nil
}

func (p *PrometheusMetrics) mismatch(name, kind string, err error) discard {
	p.logger.Warn("Prometheus series rejected",
		zap.String("name", name),
		zap.String("kind", kind),
		zap.Error(err))
	return discard{}
}

func (p *PrometheusMetrics) Snapshot() ([]types.MetricValue, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather prometheus metrics")
	}

	var values []types.MetricValue
	for _, family := range families {
		kind := strings.ToLower(family.GetType().String())

		for _, m := range family.GetMetric() {
			value := types.MetricValue{Name: family.GetName(), Type: kind}

			if pairs := m.GetLabel(); len(pairs) > 0 {
				value.Labels = make(map[string]string, len(pairs))
				for _, pair := range pairs {
					value.Labels[pair.GetName()] = pair.GetValue()
				}
			}

			switch {
			case m.Counter != nil:
				value.Value = m.GetCounter().GetValue()
			case m.Gauge != nil:
				value.Value = m.GetGauge().GetValue()
			case m.Histogram != nil:
				h := m.GetHistogram()
				value.Value, value.Count = h.GetSampleSum(), h.GetSampleCount()
				for _, b := range h.GetBucket() {
					value.Buckets = append(value.Buckets, types.MetricBucket{UpperBound: b.GetUpperBound(), Count: b.GetCumulativeCount()})
				}
			case m.Summary != nil:
				value.Value, value.Count = m.GetSummary().GetSampleSum(), m.GetSummary().GetSampleCount()
			}

			values = append(values, value)
		}
	}

	return values, nil
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func read(m prometheus.Metric) *dto.Metric {
	out := &dto.Metric{}
	if err := m.Write(out); err != nil {
		return &dto.Metric{}
	}
	return out
}

type promCounter struct {
	prometheus.Counter
}

func (c promCounter) Get() float64 {
	return read(c.Counter).GetCounter().GetValue()
}

type promGauge struct {
	prometheus.Gauge
}

// Add and Set are promoted from prometheus.Gauge.
func (g promGauge) Get() float64 {
	return read(g.Gauge).GetGauge().GetValue()
}

type promHistogram struct {
	prometheus.Histogram
}

func (h promHistogram) Count() uint64 {
	return read(h.Histogram).GetHistogram().GetSampleCount()
}

func (h promHistogram) Sum() float64 {
	return read(h.Histogram).GetHistogram().GetSampleSum()
}
