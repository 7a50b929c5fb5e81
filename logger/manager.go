package logger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

var customLoggerCreators = sync.Map{}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators.Store(loggerName, creator)
}

// Manager owns the process logger. It logs in every state; Stop only flushes.
type Manager struct {
	types.Logger
	lifecycle utils.Lifecycle
}

func NewManager(config types.ConfigManager) (*Manager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	return &Manager{Logger: logger}, nil
}

func createLogger(config *types.LoggerConfig) (types.Logger, error) {
	name := config.Type
	if name == "" || name == "default" {
		return NewDefaultLogger(config)
	}

	creator, ok := customLoggerCreators.Load(name)
	if !ok {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", name)
	}

	return creator.(types.LoggerCreator)(config.Config)
}

func (m *Manager) Start() error {
	if err := m.lifecycle.BeginStart(); err != nil {
		return err
	}
	m.lifecycle.Set(utils.StateRunning)
	return nil
}

func (m *Manager) Stop() error {
	if err := m.lifecycle.BeginStop(); err != nil {
		return err
	}
	defer m.lifecycle.Set(utils.StateStopped)

	// syncing a terminal fails with EINVAL on some platforms
	if syncer, ok := m.Logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.lifecycle.IsRunning()
}

func (m *Manager) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	if sl, ok := m.Logger.(types.StackLogger); ok {
		sl.ErrorWithStack(msg, stack, fields...)
		return
	}
	m.Logger.Error(msg, append(fields, zap.String("stack", stack))...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if sl, ok := m.Logger.(types.StackLogger); ok {
		sl.ErrorWithErrStack(msg, err, fields...)
		return
	}
	m.Logger.Error(msg, append(fields, zap.Error(err))...)
}
