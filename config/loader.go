package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-memcache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{validator: validator.New(validator.WithRequiredStructEnabled())}
}

func (l *Loader) LoadFromFile(path string) (*types.ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrConfigInvalidPath, "file not found: %s", path)
	}
	if err != nil {
		return nil, types.JoinError(types.ErrConfigLoadFailed, err)
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes overlays the YAML document on Defaults and validates the result.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WithStack(types.Errorf(types.ErrConfigParseFailed, "%v", err))
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if err := l.validator.Struct(config); err != nil {
		return errors.WithStack(types.Errorf(types.ErrConfigValidateFailed, "%v", err))
	}
	return nil
}

// Defaults enables only the memory cache. Cron, metrics and health stay off
// until the document turns them on.
func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger:  &types.LoggerConfig{Level: "info"},
		Cache:   &types.CacheConfig{Enabled: true, Type: "memory"},
		Cron:    &types.CronConfig{Timezone: "UTC"},
		Metrics: &types.MetricsConfig{Type: "memory"},
		Health:  &types.HealthConfig{},
	}
}
