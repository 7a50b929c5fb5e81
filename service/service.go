package service

import (
	"context"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-memcache/cache"
	"github.com/saiset-co/sai-memcache/config"
	"github.com/saiset-co/sai-memcache/cron"
	"github.com/saiset-co/sai-memcache/health"
	"github.com/saiset-co/sai-memcache/logger"
	"github.com/saiset-co/sai-memcache/metrics"
	"github.com/saiset-co/sai-memcache/sai"
	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

// Components in one stage start (and stop) concurrently. The cache comes
// up last because its sweep is scheduled on cron and reported to health.
var (
	startStages = [][]string{{"config"}, {"logger"}, {"health", "metrics"}, {"cron"}, {"cache"}}
	stopStages  = [][]string{{"cache"}, {"cron"}, {"health", "metrics"}, {"config"}, {"logger"}}
)

// optional components only log a failed start.
var optional = map[string]bool{"health": true, "metrics": true, "cron": true}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	container       *sai.Container
	lifecycle       utils.Lifecycle
	handleSignals   bool
	startTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewService loads the YAML config at configPath and wires every enabled
// component.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	configManager, err := config.NewConfigurationManager(configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, true)
}

// NewFromConfig wires the service around an in-memory config. Signals are
// left to the caller.
func NewFromConfig(ctx context.Context, cfg *types.ServiceConfig) (*Service, error) {
	configManager, err := config.NewStaticManager(cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, false)
}

func newService(ctx context.Context, configManager types.ConfigManager, handleSignals bool) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		container:       sai.InitContainer(),
		handleSignals:   handleSignals,
		startTimeout:    60 * time.Second,
		shutdownTimeout: 30 * time.Second,
	}

	if err := registerProviders(serviceCtx, s.container, configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return s, nil
}

func registerProviders(ctx context.Context, container *sai.Container, configManager types.ConfigManager) error {
	container.SetConfig(configManager)
	cfg := configManager.GetConfig()

	loggerManager, err := logger.NewManager(configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	// interfaces stay nil, not typed nil, for disabled components
	var (
		healthManager  types.HealthManager
		metricsManager types.MetricsManager
		cronManager    types.CronManager
	)

	if cfg.Health != nil && cfg.Health.Enabled {
		healthManager = health.NewManager(configManager, loggerManager)
		container.SetHealth(healthManager)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		mm, err := metrics.NewManager(configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		metricsManager = mm
		container.SetMetrics(metricsManager)
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		cm, err := cron.NewManager(configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}
		cronManager = cm
		container.SetCron(cronManager)
	}

	cacheManager, err := cache.NewCacheManager(ctx, configManager, loggerManager, metricsManager, healthManager, cronManager)
	if err != nil {
		return types.WrapError(err, "failed to register cache manager")
	}
	container.SetCache(cacheManager)

	return nil
}

func (s *Service) Container() *sai.Container {
	return s.container
}

func (s *Service) Cache() cache.Manager {
	return s.container.Cache()
}

func (s *Service) Logger() types.Logger {
	return s.container.Logger()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

// Done is closed once every component has stopped.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.lifecycle.IsRunning()
}

// Start brings every component up and returns. Shutdown follows Stop, a
// termination signal or cancellation of the parent context.
func (s *Service) Start() (err error) {
	if err := s.lifecycle.BeginStart(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.logStack("Service start panicked", string(debug.Stack()), zap.Any("panic", r))
			err = types.NewErrorf("service start panicked: %v", r)
			s.lifecycle.Set(utils.StateStopped)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.lifecycle.Set(utils.StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	watch, stopWatch := s.ctx, context.CancelFunc(func() {})
	if s.handleSignals {
		watch, stopWatch = signal.NotifyContext(s.ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	}

	s.lifecycle.Set(utils.StateRunning)
	go s.monitor(watch, stopWatch)

	s.Logger().Info("Service started")
	return nil
}

// Stop cancels the service and waits until its components are stopped.
func (s *Service) Stop() error {
	if !s.lifecycle.Transition(utils.StateRunning, utils.StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	s.cancel()
	<-s.done
	return nil
}

func (s *Service) monitor(watch context.Context, stopWatch context.CancelFunc) {
	defer close(s.done)

	<-watch.Done()
	stopWatch()

	if s.ctx.Err() == nil {
		s.Logger().Info("Received shutdown signal")
	}

	s.lifecycle.Transition(utils.StateRunning, utils.StateStopping)
	s.cancel()

	if err := s.stopComponents(); err != nil {
		s.Logger().Error("Service stopped with errors", zap.Error(err))
	}

	s.lifecycle.Set(utils.StateStopped)
}

func (s *Service) components() map[string]types.LifecycleManager {
	byName := make(map[string]types.LifecycleManager)
	for _, c := range s.container.Lifecycles() {
		byName[c.Name] = c.Manager
	}
	return byName
}

// startComponents runs the start stages in order. A required component
// failing stops whatever already started.
func (s *Service) startComponents(ctx context.Context) error {
	byName := s.components()

	var (
		mu      sync.Mutex
		started []string
	)

	for _, stage := range startStages {
		g, gCtx := errgroup.WithContext(ctx)

		for _, name := range stage {
			manager, ok := byName[name]
			if !ok {
				continue
			}

			name := name
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}

				if err := manager.Start(); err != nil {
					if optional[name] {
						s.Logger().Error("Optional component failed to start", zap.String("component", name), zap.Error(err))
						return nil
					}
					return types.WrapError(err, "failed to start "+name)
				}

				mu.Lock()
				started = append(started, name)
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := byName[started[i]].Stop(); stopErr != nil {
					err = multierr.Append(err, stopErr)
				}
			}
			return err
		}
	}

	s.Logger().Info("Components started", zap.Strings("components", started))
	return nil
}

// stopComponents runs the stop stages in order and collects every error.
// A stage still running after the shutdown timeout is abandoned.
func (s *Service) stopComponents() error {
	byName := s.components()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs error
	)

	for _, stage := range stopStages {
		if len(stage) == 1 && stage[0] == "logger" {
			s.Logger().Info("Components stopped", zap.Int("errors", len(multierr.Errors(errs))))
		}

		var g errgroup.Group
		for _, name := range stage {
			manager, ok := byName[name]
			if !ok || !manager.IsRunning() {
				continue
			}

			name := name
			g.Go(func() error {
				if err := manager.Stop(); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, types.WrapError(err, "failed to stop "+name))
					mu.Unlock()
				}
				return nil
			})
		}

		stageDone := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(stageDone)
		}()

		select {
		case <-stageDone:
		case <-ctx.Done():
			mu.Lock()
			errs = multierr.Append(errs, types.JoinError(types.ErrContextCancelled, ctx.Err()))
			out := errs
			mu.Unlock()
			return out
		}
	}

	return errs
}

func (s *Service) logStack(msg, stack string, fields ...zap.Field) {
	if sl, ok := s.Logger().(types.StackLogger); ok {
		sl.ErrorWithStack(msg, stack, fields...)
		return
	}
	s.Logger().Error(msg, fields...)
}
