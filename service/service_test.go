package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-memcache/cache"
	"github.com/saiset-co/sai-memcache/token"
	"github.com/saiset-co/sai-memcache/types"
)

func testConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "webcache",
		Version: "1.0.0",
		Logger:  &types.LoggerConfig{Level: "error"},
		Cache: &types.CacheConfig{
			Enabled: true,
			Type:    "memory",
			Config:  map[string]interface{}{"cleanup_interval": "1s"},
		},
		Cron:    &types.CronConfig{Enabled: true, Timezone: "UTC"},
		Metrics: &types.MetricsConfig{Enabled: true, Type: "memory"},
		Health:  &types.HealthConfig{Enabled: true},
	}
}

func TestNewService_InvalidPath(t *testing.T) {
	_, err := NewService(context.Background(), "")
	require.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestService_Lifecycle(t *testing.T) {
	svc, err := NewFromConfig(context.Background(), testConfig())
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	require.True(t, svc.IsRunning())
	require.ErrorIs(t, svc.Start(), types.ErrServerAlreadyRunning)

	c := svc.Cache()
	require.True(t, c.IsRunning())

	tok := token.New()
	require.NoError(t, c.Set("k", "v", cache.NewEntryOptions().AddExpirationToken(tok)))
	value, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", value)

	tok.Cancel()
	_, ok = c.Get("k")
	require.False(t, ok)

	report := svc.Container().Health().Check(context.Background())
	require.Equal(t, types.StatusHealthy, report.Checks["memory_cache"].Status)
	require.Equal(t, "webcache", report.Service.Name)

	jobs := svc.Container().Cron().Jobs()
	require.Len(t, jobs, 1)

	values, err := svc.Container().Metrics().Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, values)

	require.NoError(t, svc.Stop())
	require.False(t, svc.IsRunning())
	require.False(t, c.IsRunning())
	require.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)

	select {
	case <-svc.Done():
	default:
		t.Fatal("done channel not closed after Stop")
	}
}

func TestService_ParentContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testConfig()
	cfg.Cron.Enabled = false
	cfg.Metrics.Enabled = false

	svc, err := NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, svc.Container().Cron())
	require.Nil(t, svc.Container().Metrics())

	require.NoError(t, svc.Start())
	cancel()

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}
	require.False(t, svc.IsRunning())
}

func TestNewService_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: webcache
version: 1.0.0
logger:
  level: error
cache:
  enabled: true
  type: memory
  config:
    cleanup_interval: ""
`), 0o644))

	svc, err := NewService(context.Background(), path)
	require.NoError(t, err)
	require.Nil(t, svc.Container().Health())

	svc.handleSignals = false
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Cache().Set("k", 1, nil))
	require.NoError(t, svc.Stop())
}

type failingCache struct {
	*cache.MemoryCache
}

func (failingCache) Start() error {
	return errors.New("disk full")
}

func TestService_FailedStartRollsBack(t *testing.T) {
	cache.RegisterCacheManager("failing", func(ctx context.Context, log types.Logger, cfg *types.CacheConfig) (cache.Manager, error) {
		c, err := cache.NewMemoryCache(ctx, log, cfg)
		if err != nil {
			return nil, err
		}
		return failingCache{c}, nil
	})

	cfg := testConfig()
	cfg.Cache.Type = "failing"

	svc, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)

	err = svc.Start()
	require.ErrorContains(t, err, "disk full")
	require.False(t, svc.IsRunning())

	for _, c := range svc.Container().Lifecycles() {
		require.False(t, c.Manager.IsRunning(), c.Name)
	}
}
