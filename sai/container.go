package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-memcache/cache"
	"github.com/saiset-co/sai-memcache/logger"
	"github.com/saiset-co/sai-memcache/metrics"
	"github.com/saiset-co/sai-memcache/types"
)

// Container holds the service components. It is passed to whoever needs
// them; there is no process-wide instance.
type Container struct {
	config  atomic.Pointer[types.ConfigManager]
	logger  atomic.Pointer[types.LoggerManager]
	health  atomic.Pointer[types.HealthManager]
	metrics atomic.Pointer[types.MetricsManager]
	cron    atomic.Pointer[types.CronManager]
	cache   atomic.Pointer[cache.Manager]
}

func InitContainer() *Container {
	return &Container{}
}

func RegisterCacheManager(cacheManagerName string, creator cache.ManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func (c *Container) Config() types.ConfigManager {
	if ptr := c.config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func (c *Container) Logger() types.LoggerManager {
	if ptr := c.logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func (c *Container) Cache() cache.Manager {
	if ptr := c.cache.Load(); ptr != nil {
		return *ptr
	}
	panic("CacheManager not initialized")
}

// Health, Metrics and Cron are optional and return nil when disabled.
func (c *Container) Health() types.HealthManager {
	if ptr := c.health.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) Metrics() types.MetricsManager {
	if ptr := c.metrics.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) Cron() types.CronManager {
	if ptr := c.cron.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.config.Store(&config)
}

func (c *Container) SetLogger(logger types.LoggerManager) {
	c.logger.Store(&logger)
}

func (c *Container) SetHealth(health types.HealthManager) {
	c.health.Store(&health)
}

func (c *Container) SetMetrics(metrics types.MetricsManager) {
	c.metrics.Store(&metrics)
}

func (c *Container) SetCron(cron types.CronManager) {
	c.cron.Store(&cron)
}

func (c *Container) SetCache(cache cache.Manager) {
	c.cache.Store(&cache)
}

// Lifecycles lists the registered components in start order: config,
// logger, health, metrics, cron, cache.
func (c *Container) Lifecycles() []NamedLifecycle {
	var out []NamedLifecycle

	add := func(name string, component interface{}) {
		if lm, ok := component.(types.LifecycleManager); ok && lm != nil {
			out = append(out, NamedLifecycle{Name: name, Manager: lm})
		}
	}

	if ptr := c.config.Load(); ptr != nil {
		add("config", *ptr)
	}
	if ptr := c.logger.Load(); ptr != nil {
		add("logger", *ptr)
	}
	if ptr := c.health.Load(); ptr != nil {
		add("health", *ptr)
	}
	if ptr := c.metrics.Load(); ptr != nil {
		add("metrics", *ptr)
	}
	if ptr := c.cron.Load(); ptr != nil {
		add("cron", *ptr)
	}
	if ptr := c.cache.Load(); ptr != nil {
		add("cache", *ptr)
	}

	return out
}

type NamedLifecycle struct {
	Name    string
	Manager types.LifecycleManager
}
