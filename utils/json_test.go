package utils

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-memcache/types"
)

type sectionConfig struct {
	CleanupInterval string `json:"cleanup_interval"`
	DispatchWorkers int    `json:"dispatch_workers"`
}

func TestUnmarshalConfig_FromYAMLMap(t *testing.T) {
	raw := map[string]interface{}{
		"cleanup_interval": "30s",
		"dispatch_workers": 4,
	}

	var cfg sectionConfig
	require.NoError(t, UnmarshalConfig(raw, &cfg))
	require.Equal(t, "30s", cfg.CleanupInterval)
	require.Equal(t, 4, cfg.DispatchWorkers)
}

func TestUnmarshalConfig_TypedPassthrough(t *testing.T) {
	var cfg sectionConfig
	require.NoError(t, UnmarshalConfig(&sectionConfig{CleanupInterval: "1m"}, &cfg))
	require.Equal(t, "1m", cfg.CleanupInterval)

	var cfg2 sectionConfig
	require.NoError(t, UnmarshalConfig(sectionConfig{DispatchWorkers: 2}, &cfg2))
	require.Equal(t, 2, cfg2.DispatchWorkers)
}

func TestUnmarshalConfig_Errors(t *testing.T) {
	var cfg sectionConfig
	require.ErrorIs(t, UnmarshalConfig(nil, &cfg), types.ErrConfigIsNil)
	require.ErrorIs(t, UnmarshalConfig(map[string]interface{}{"dispatch_workers": "four"}, &cfg), types.ErrConfigParseFailed)
}

func TestMarshal_SortsMapKeys(t *testing.T) {
	data, err := Marshal(map[string]int{"misses": 2, "hits": 1})
	require.NoError(t, err)
	require.Equal(t, `{"hits":1,"misses":2}`, string(data))
}
