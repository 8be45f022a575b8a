package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridcalc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.False(t, cfg.Dispatch.TrustFragmentIDs)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  listen: ":5000"
  max_frame_size: 2048
dispatch:
  work_timeout: 90s
  trust_fragment_ids: true
plugins:
  dir: /opt/gridcalc/plugins
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Coordinator.Listen)
	assert.Equal(t, ":8080", cfg.Coordinator.HTTP, "unset keys keep their default")
	assert.Equal(t, 2048, cfg.Coordinator.MaxFrameSize)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.WorkTimeout)
	assert.True(t, cfg.Dispatch.TrustFragmentIDs)
	assert.Equal(t, "/opt/gridcalc/plugins", cfg.Plugins.Dir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "coordinator:\n  lisen: \":5000\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Coordinator.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GRID_LISTEN":             ":7000",
		"GRID_PLUGINS_DIR":        "/plugins",
		"GRID_REDIS_ADDR":         "redis:6379",
		"GRID_WORK_TIMEOUT":       "1m",
		"GRID_TRUST_FRAGMENT_IDS": "yes please",
		"GRID_WORKER_NAME":        "node-7",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, ":7000", cfg.Coordinator.Listen)
	assert.Equal(t, "/plugins", cfg.Plugins.Dir)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, time.Minute, cfg.Dispatch.WorkTimeout)
	assert.False(t, cfg.Dispatch.TrustFragmentIDs, "unparsable booleans are ignored")
	assert.Equal(t, "node-7", cfg.Worker.Name)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny frames", func(c *Config) { c.Coordinator.MaxFrameSize = 1 }},
		{"negative timeout", func(c *Config) { c.Dispatch.WorkTimeout = -time.Second }},
		{"timeout without interval", func(c *Config) { c.Dispatch.WatchInterval = 0 }},
		{"negative attempts", func(c *Config) { c.Dispatch.MaxAttempts = -1 }},
		{"no queue", func(c *Config) { c.Dispatch.QueueSize = 0 }},
		{"no plugins dir", func(c *Config) { c.Plugins.Dir = "" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = BackendRedis }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("bin", "sum").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"bin":"sum"`)
}
