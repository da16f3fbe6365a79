package config

import (
	"testing"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withEnv swaps the env loader for a map-backed fake for the duration of
// a test.
func withEnv(t *testing.T, vars map[string]any) {
	t.Helper()
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error {
		for key, val := range vars {
			if err := k.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	}
	t.Cleanup(func() { envLoader = orig })
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, nil)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint(1000), cfg.CacheSize)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 53, cfg.Port)
}

func TestLoad_Overrides(t *testing.T) {
	withEnv(t, map[string]any{
		"cache_size":   2048,
		"env":          "dev",
		"log_level":    "debug",
		"port":         5353,
		"zone_dir":     "/tmp/zones",
		"root_servers": []string{"198.41.0.4:53"},
		"tsig_secrets": []string{"192.0.2.1.192.0.2.2._transfer.example.com=c2VjcmV0"},
	})
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint(2048), cfg.CacheSize)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 5353, cfg.Port)
	assert.Equal(t, []string{"198.41.0.4:53"}, cfg.RootServers)
	assert.Len(t, cfg.TSIGSecrets, 1)
}

func TestLoad_Invalid(t *testing.T) {
	withEnv(t, map[string]any{"log_level": "verbose"})
	_, err := Load()
	assert.Error(t, err)

	withEnv(t, map[string]any{"root_servers": []string{"not-an-addr"}})
	_, err = Load()
	assert.Error(t, err)

	withEnv(t, map[string]any{"port": 99999})
	_, err = Load()
	assert.Error(t, err)

	withEnv(t, map[string]any{"tsig_secrets": []string{"missing-separator"}})
	_, err = Load()
	assert.Error(t, err)
}
