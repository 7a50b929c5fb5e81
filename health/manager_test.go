package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/logger"
	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

type staticConfig struct {
	cfg *types.ServiceConfig
}

func (s *staticConfig) Load() error                                    { return nil }
func (s *staticConfig) GetConfig() *types.ServiceConfig                { return s.cfg }
func (s *staticConfig) GetValue(_ string, def interface{}) interface{} { return def }
func (s *staticConfig) GetAs(_ string, _ interface{}) error            { return nil }

func newTestManager() *Manager {
	cfg := &staticConfig{cfg: &types.ServiceConfig{Name: "webcache", Version: "1.0.0"}}
	hm := NewManager(cfg, logger.NewZapWrapper(zap.NewNop()))
	hm.timeout = 200 * time.Millisecond
	return hm
}

func TestWorse(t *testing.T) {
	require.Equal(t, types.StatusUnknown, worse(types.StatusHealthy, types.StatusUnknown))
	require.Equal(t, types.StatusUnhealthy, worse(types.StatusUnhealthy, types.StatusUnknown))
	require.Equal(t, types.StatusHealthy, worse(types.StatusHealthy, types.StatusHealthy))
}

func TestManager_CheckAggregatesStatuses(t *testing.T) {
	hm := newTestManager()

	hm.RegisterChecker("memory_cache", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy, Details: map[string]interface{}{"entries": 3}}
	})
	hm.RegisterChecker("warming", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report := hm.Check(context.Background())
	require.Equal(t, types.StatusUnknown, report.Status)
	require.Len(t, report.Checks, 2)
	require.Equal(t, "memory_cache", report.Checks["memory_cache"].Name)
	require.Equal(t, 3, report.Checks["memory_cache"].Details["entries"])
	require.Equal(t, "webcache", report.Service.Name)
	require.NotEmpty(t, report.Service.Build)
}

func TestManager_PanicAndTimeoutAreUnhealthy(t *testing.T) {
	hm := newTestManager()

	hm.RegisterChecker("panics", func(_ context.Context) types.HealthCheck {
		panic("checker exploded")
	})
	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := hm.Check(context.Background())
	require.Equal(t, types.StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks["panics"].Message, "checker exploded")
	require.Equal(t, types.StatusUnhealthy, report.Checks["slow"].Status)
	require.Equal(t, types.ErrHealthCheckTimeout.Error(), report.Checks["slow"].Message)
}

func TestManager_ReportJSON(t *testing.T) {
	hm := newTestManager()

	_, err := hm.ReportJSON(context.Background())
	require.ErrorIs(t, err, types.ErrServiceIsNotRunning)

	require.NoError(t, hm.Start())
	hm.RegisterChecker("memory_cache", func(_ context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	data, err := hm.ReportJSON(context.Background())
	require.NoError(t, err)

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(data, &report))
	require.Equal(t, types.StatusHealthy, report.Status)

	require.NoError(t, hm.Stop())
	require.ErrorIs(t, hm.Stop(), types.ErrServerNotRunning)
}
