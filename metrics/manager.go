package metrics

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// Manager forwards to the configured backend while it runs. Before Start
// and after Stop it hands out discarding series, so writers never need a
// nil check or a running check of their own.
type Manager struct {
	backend   types.MetricsManager
	logger    types.Logger
	lifecycle utils.Lifecycle
}

func NewManager(config types.ConfigManager, logger types.Logger) (*Manager, error) {
	metricsConfig := config.GetConfig().Metrics
	if metricsConfig == nil || !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	backend, err := newBackend(logger, metricsConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics backend")
	}

	logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))

	return &Manager{backend: backend, logger: logger}, nil
}

func newBackend(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	switch config.Type {
	case "memory":
		return NewMemoryMetrics(), nil
	case "prometheus":
		return NewPrometheusMetrics(logger, config)
	}

	if creator, ok := customMetricsCreators.Load(config.Type); ok {
		return creator.(types.MetricsManagerCreator)(config)
	}

	return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
}

func (m *Manager) Start() error {
	if err := m.lifecycle.BeginStart(); err != nil {
		return err
	}

	if err := m.backend.Start(); err != nil {
		m.lifecycle.Set(utils.StateStopped)
		return types.WrapError(err, "failed to start metrics backend")
	}

	m.lifecycle.Set(utils.StateRunning)
	return nil
}

func (m *Manager) Stop() error {
	if err := m.lifecycle.BeginStop(); err != nil {
		return err
	}
	defer m.lifecycle.Set(utils.StateStopped)

	if err := m.backend.Stop(); err != nil {
		m.logger.Error("Failed to stop metrics backend", zap.Error(err))
		return types.WrapError(err, "failed to stop metrics backend")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.lifecycle.IsRunning()
}

func (m *Manager) Counter(name string, labels map[string]string) types.Counter {
	if !m.IsRunning() {
		return discard{}
	}
	return m.backend.Counter(name, labels)
}

func (m *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if !m.IsRunning() {
		return discard{}
	}
	return m.backend.Gauge(name, labels)
}

func (m *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if !m.IsRunning() {
		return discard{}
	}
	return m.backend.Histogram(name, buckets, labels)
}

func (m *Manager) Snapshot() ([]types.MetricValue, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}
	return m.backend.Snapshot()
}

// discard is every series kind at once and records nothing.
type discard struct{}

func (discard) Inc()            {}
func (discard) Add(float64)     {}
func (discard) Set(float64)     {}
func (discard) Observe(float64) {}
func (discard) Get() float64    { return 0 }
func (discard) Count() uint64   { return 0 }
func (discard) Sum() float64    { return 0 }
