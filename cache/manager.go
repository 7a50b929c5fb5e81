package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
)

type Factory func(opts *EntryOptions) (interface{}, error)

type AsyncFactory func(ctx context.Context, opts *EntryOptions) (interface{}, error)

// Manager is the consumer-facing cache handle.
type Manager interface {
	types.LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, opts *EntryOptions) error
	GetOrCreate(key string, factory Factory) (interface{}, error)
	GetOrCreateAsync(ctx context.Context, key string, factory AsyncFactory) (interface{}, error)
	Remove(key string) error
	CreateEntry(key string) *ScopedEntry
	Count() int
	Keys() []string
	Stats() types.CacheStats
}

type ManagerCreator func(ctx context.Context, logger types.Logger, config *types.CacheConfig) (Manager, error)

var customCacheCreators = sync.Map{}

func RegisterCacheManager(cacheManagerName string, creator ManagerCreator) {
	customCacheCreators.Store(cacheManagerName, creator)
}

// NewCacheManager builds the configured backend. Metrics, health and cron
// are optional; a nil metrics manager skips instrumentation.
func NewCacheManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, health types.HealthManager, cron types.CronManager) (Manager, error) {
	cacheConfig := config.GetConfig().Cache

	if cacheConfig == nil || !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	cacheManagerName := cacheConfig.Type

	var impl Manager
	var err error

	switch cacheManagerName {
	case "memory":
		opts := []MemoryOption{WithMetrics(metrics)}
		if health != nil {
			opts = append(opts, WithHealth(health))
		}
		if cron != nil {
			opts = append(opts, WithCron(cron))
		}
		impl, err = NewMemoryCache(ctx, logger, cacheConfig, opts...)
	default:
		if creator, exists := customCacheCreators.Load(cacheManagerName); exists {
			impl, err = creator.(ManagerCreator)(ctx, logger, cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheManagerName)
		}
	}

	if err != nil {
		return nil, err
	}

	logger.Info("Cache manager initialized", zap.String("type", cacheManagerName))

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedCacheManager(logger, metrics, impl), nil
}

type instrumentedCacheManager struct {
	impl    Manager
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedCacheManager(logger types.Logger, metrics types.MetricsManager, impl Manager) Manager {
	return &instrumentedCacheManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (icm *instrumentedCacheManager) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := icm.impl.Get(key)

	result := "miss"
	if exists {
		result = "hit"
	}

	icm.recordMetric("get", result, time.Since(start))
	return value, exists
}

func (icm *instrumentedCacheManager) Set(key string, value interface{}, opts *EntryOptions) error {
	start := time.Now()
	err := icm.impl.Set(key, value, opts)

	icm.recordMetric("set", resultOf(err), time.Since(start))
	return err
}

func (icm *instrumentedCacheManager) GetOrCreate(key string, factory Factory) (interface{}, error) {
	start := time.Now()
	value, err := icm.impl.GetOrCreate(key, factory)

	icm.recordMetric("get_or_create", resultOf(err), time.Since(start))
	return value, err
}

func (icm *instrumentedCacheManager) GetOrCreateAsync(ctx context.Context, key string, factory AsyncFactory) (interface{}, error) {
	start := time.Now()
	value, err := icm.impl.GetOrCreateAsync(ctx, key, factory)

	icm.recordMetric("get_or_create_async", resultOf(err), time.Since(start))
	return value, err
}

func (icm *instrumentedCacheManager) Remove(key string) error {
	start := time.Now()
	err := icm.impl.Remove(key)

	icm.recordMetric("remove", resultOf(err), time.Since(start))
	return err
}

// CreateEntry binds the scope to the decorator so the commit is counted.
func (icm *instrumentedCacheManager) CreateEntry(key string) *ScopedEntry {
	return newScopedEntry(icm, key)
}

func (icm *instrumentedCacheManager) Count() int {
	return icm.impl.Count()
}

func (icm *instrumentedCacheManager) Keys() []string {
	return icm.impl.Keys()
}

func (icm *instrumentedCacheManager) Stats() types.CacheStats {
	return icm.impl.Stats()
}

func (icm *instrumentedCacheManager) Start() error {
	start := time.Now()
	err := icm.impl.Start()

	icm.recordMetric("start", resultOf(err), time.Since(start))
	return err
}

func (icm *instrumentedCacheManager) Stop() error {
	return icm.impl.Stop()
}

func (icm *instrumentedCacheManager) IsRunning() bool {
	return icm.impl.IsRunning()
}

// Unwrap exposes the backend, e.g. to wait for callbacks in tests.
func (icm *instrumentedCacheManager) Unwrap() Manager {
	return icm.impl
}

func (icm *instrumentedCacheManager) recordMetric(operation, result string, duration time.Duration) {
	icm.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	icm.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
