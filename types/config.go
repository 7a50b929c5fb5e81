package types

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Cron    *CronConfig    `yaml:"cron" json:"cron"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
