package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

// Manager runs registered checkers concurrently and folds their statuses
// into one report. Checkers may be registered in any state; only
// ReportJSON requires the manager to be running.
type Manager struct {
	config    types.ConfigManager
	logger    types.Logger
	build     BuildInfo
	timeout   time.Duration
	lifecycle utils.Lifecycle

	mu        sync.RWMutex
	checkers  map[string]types.HealthChecker
	startedAt time.Time
}

func NewManager(config types.ConfigManager, logger types.Logger) *Manager {
	return &Manager{
		config:    config,
		logger:    logger,
		build:     readBuildInfo(),
		timeout:   5 * time.Second,
		checkers:  make(map[string]types.HealthChecker),
		startedAt: time.Now(),
	}
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	hm.checkers[name] = checker
	hm.mu.Unlock()

	hm.logger.Debug("Health checker registered", zap.String("name", name))
}

func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	checkers := make([]types.HealthChecker, 0, len(hm.checkers))
	for name, checker := range hm.checkers {
		names = append(names, name)
		checkers = append(checkers, checker)
	}
	startedAt := hm.startedAt
	hm.mu.RUnlock()

	results := make([]types.HealthCheck, len(checkers))

	var g errgroup.Group
	for i := range checkers {
		i := i
		g.Go(func() error {
			results[i] = hm.run(ctx, names[i], checkers[i])
			return nil
		})
	}
	_ = g.Wait()

	report := types.HealthReport{
		Status:    types.StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(startedAt),
		Checks:    make(map[string]types.HealthCheck, len(results)),
	}

	if config := hm.config.GetConfig(); config != nil {
		report.Service = types.ServiceInfo{Name: config.Name, Version: config.Version, Build: hm.build.String()}
	}

	for _, result := range results {
		report.Checks[result.Name] = result
		report.Status = worse(report.Status, result.Status)
	}

	return report
}

// run executes one checker under the manager timeout. A checker that
// panics or outlives the timeout is reported unhealthy; a late result is
// dropped.
func (hm *Manager) run(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	done := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				hm.logger.Error("Health checker panicked",
					zap.String("name", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- types.HealthCheck{Status: types.StatusUnhealthy, Message: fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-done:
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: types.ErrHealthCheckTimeout.Error()}
	}

	result.Name = name
	result.Duration = time.Since(start)
	return result
}

// worse orders statuses healthy < unknown < unhealthy.
func worse(a, b types.HealthStatus) types.HealthStatus {
	rank := func(s types.HealthStatus) int {
		switch s {
		case types.StatusHealthy:
			return 0
		case types.StatusUnknown:
			return 1
		default:
			return 2
		}
	}

	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ReportJSON runs every checker and encodes the report.
func (hm *Manager) ReportJSON(ctx context.Context) ([]byte, error) {
	if !hm.IsRunning() {
		return nil, types.ErrServiceIsNotRunning
	}

	data, err := utils.Marshal(hm.Check(ctx))
	if err != nil {
		return nil, types.WrapError(err, "failed to encode health report")
	}

	return data, nil
}

func (hm *Manager) Start() error {
	if err := hm.lifecycle.BeginStart(); err != nil {
		return err
	}

	hm.mu.Lock()
	hm.startedAt = time.Now()
	hm.mu.Unlock()

	hm.lifecycle.Set(utils.StateRunning)
	hm.logger.Info("Health manager started", zap.String("build", hm.build.String()))
	return nil
}

func (hm *Manager) Stop() error {
	if err := hm.lifecycle.BeginStop(); err != nil {
		return err
	}
	hm.lifecycle.Set(utils.StateStopped)
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.lifecycle.IsRunning()
}
