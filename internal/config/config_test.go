package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, SourceFile, cfg.Topology.Source)
	assert.Equal(t, []string{"default"}, cfg.Topology.Buckets)
	assert.Equal(t, time.Millisecond, cfg.Durability.BackoffFloor)
	assert.Equal(t, 100*time.Millisecond, cfg.Durability.BackoffCap)
	assert.Equal(t, 10, cfg.Durability.MaxReresolutions)
	assert.Equal(t, 2500*time.Millisecond, cfg.Durability.DefaultTimeout)
	assert.Equal(t, 3, cfg.Transport.ObserveAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOCATOR_SERVER_PORT", "9000")
	t.Setenv("LOCATOR_DURABILITY_MAX_RERESOLUTIONS", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Durability.MaxReresolutions)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
topology:
  source: redis
  buckets: [travel-sample, beer-sample]
redis:
  host: redis.internal
durability:
  default_timeout: 5s
logging:
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SourceRedis, cfg.Topology.Source)
	assert.Equal(t, []string{"travel-sample", "beer-sample"}, cfg.Topology.Buckets)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 5*time.Second, cfg.Durability.DefaultTimeout)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topology:\n  source: zookeeper\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topology source")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no buckets", func(c *Config) { c.Topology.Buckets = nil }},
		{"file source without dir", func(c *Config) { c.Topology.Dir = "" }},
		{"nats without bucket", func(c *Config) { c.Topology.Source = SourceNATS; c.NATS.KVBucket = "" }},
		{"cap below floor", func(c *Config) { c.Durability.BackoffCap = time.Microsecond }},
		{"no reresolutions", func(c *Config) { c.Durability.MaxReresolutions = 0 }},
		{"no observe attempts", func(c *Config) { c.Transport.ObserveAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
