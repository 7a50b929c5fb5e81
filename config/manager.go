package config

import (
	"sync/atomic"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

// ConfigurationManager serves one validated config. Load swaps in a fresh
// copy from disk; readers never see a half-loaded one.
type ConfigurationManager struct {
	path      string
	loader    *Loader
	current   atomic.Pointer[snapshot]
	lifecycle utils.Lifecycle
}

type snapshot struct {
	config *types.ServiceConfig
	parser *Parser
}

func NewConfigurationManager(path string) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{path: path, loader: NewLoader()}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewStaticManager serves an already built config, used by embedders and tests.
func NewStaticManager(config *types.ServiceConfig) (*ConfigurationManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	cm := &ConfigurationManager{loader: NewLoader()}

	if err := cm.loader.Validate(config); err != nil {
		return nil, err
	}

	cm.store(config)
	return cm, nil
}

func (cm *ConfigurationManager) Load() error {
	if cm.path == "" {
		return types.ErrConfigNotFound
	}

	config, err := cm.loader.LoadFromFile(cm.path)
	if err != nil {
		return err
	}

	cm.store(config)
	return nil
}

func (cm *ConfigurationManager) store(config *types.ServiceConfig) {
	cm.current.Store(&snapshot{config: config, parser: NewParser(config)})
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	if s := cm.current.Load(); s != nil {
		return s.config
	}
	return nil
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	s := cm.current.Load()
	if s == nil {
		return defaultValue
	}
	return s.parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	s := cm.current.Load()
	if s == nil {
		return types.ErrNotInitialized
	}
	return s.parser.GetAs(path, target)
}

func (cm *ConfigurationManager) GetAllPaths() ([]string, error) {
	s := cm.current.Load()
	if s == nil {
		return nil, types.ErrNotInitialized
	}
	return s.parser.Paths(), nil
}

func (cm *ConfigurationManager) Start() error {
	if err := cm.lifecycle.BeginStart(); err != nil {
		return err
	}
	cm.lifecycle.Set(utils.StateRunning)
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if err := cm.lifecycle.BeginStop(); err != nil {
		return err
	}
	cm.lifecycle.Set(utils.StateStopped)
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.lifecycle.IsRunning()
}
