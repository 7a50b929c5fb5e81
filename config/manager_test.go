package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-memcache/types"
)

const sampleConfig = `
name: webcache
version: 1.0.0
logger:
  level: debug
cache:
  enabled: true
  type: memory
  config:
    cleanup_interval: 30s
    dispatch_workers: 4
metrics:
  enabled: true
  type: memory
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestConfigurationManager_Load(t *testing.T) {
	cm, err := NewConfigurationManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg := cm.GetConfig()
	require.Equal(t, "webcache", cfg.Name)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.True(t, cfg.Cache.Enabled)
	require.Equal(t, "memory", cfg.Metrics.Type)
	require.Equal(t, "UTC", cfg.Cron.Timezone)

	require.Equal(t, "30s", cm.GetValue("cache.config.cleanup_interval", ""))
	require.Equal(t, "fallback", cm.GetValue("cache.config.missing", "fallback"))

	var section struct {
		CleanupInterval string `yaml:"cleanup_interval"`
		DispatchWorkers int    `yaml:"dispatch_workers"`
	}
	require.NoError(t, cm.GetAs("cache.config", &section))
	require.Equal(t, 4, section.DispatchWorkers)

	require.ErrorIs(t, cm.GetAs("cache.nope", &section), types.ErrConfigNotFound)

	paths, err := cm.GetAllPaths()
	require.NoError(t, err)
	require.Contains(t, paths, "cache.config.dispatch_workers")
}

func TestConfigurationManager_MissingFile(t *testing.T) {
	_, err := NewConfigurationManager(filepath.Join(t.TempDir(), "absent.yml"))
	require.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewConfigurationManager("")
	require.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestLoader_ValidationFailure(t *testing.T) {
	_, err := NewLoader().LoadFromBytes([]byte("name: webcache\n"))
	require.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestLoader_ParseFailure(t *testing.T) {
	_, err := NewLoader().LoadFromBytes([]byte("name: [unterminated"))
	require.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestNewStaticManager(t *testing.T) {
	cfg := NewLoader().Defaults()
	cfg.Name = "static"
	cfg.Version = "0.0.1"

	cm, err := NewStaticManager(cfg)
	require.NoError(t, err)
	require.Same(t, cfg, cm.GetConfig())
	require.Equal(t, "static", cm.GetValue("name", ""))

	require.NoError(t, cm.Start())
	require.True(t, cm.IsRunning())
	require.NoError(t, cm.Stop())

	_, err = NewStaticManager(nil)
	require.ErrorIs(t, err, types.ErrConfigIsNil)
}

func TestConfigurationManager_Reload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cm, err := NewConfigurationManager(path)
	require.NoError(t, err)
	before := cm.GetConfig()

	require.NoError(t, os.WriteFile(path, []byte("name: webcache\nversion: 1.1.0\n"), 0o644))
	require.NoError(t, cm.Load())
	require.Equal(t, "1.1.0", cm.GetConfig().Version)
	require.Equal(t, "1.0.0", before.Version)
	require.Equal(t, "info", cm.GetValue("logger.level", ""))

	require.NoError(t, os.WriteFile(path, []byte("name: [broken"), 0o644))
	require.ErrorIs(t, cm.Load(), types.ErrConfigParseFailed)
	require.Equal(t, "1.1.0", cm.GetConfig().Version)
}
