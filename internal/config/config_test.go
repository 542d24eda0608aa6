package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

const validYAML = `
platform:
  base_url: http://platform.local:8080/
presence:
  absence_threshold: 5s
  cooldown: 300s
  stale_after: 10s
  idle_after: 2m
  overrides:
    "task-7":
      absence_threshold: 30s
store:
  path: /tmp/engine.db
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "http://platform.local:8080/tasks", cfg.Platform.TasksURL())
	assert.Equal(t, "http://platform.local:8080/notify", cfg.Platform.AlertURL())
	assert.Equal(t, 5*time.Second, cfg.Presence.AbsenceThreshold)
	assert.Equal(t, 300*time.Second, cfg.Presence.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Presence.StaleAfter)
	// Untouched keys keep their defaults.
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, "person", cfg.Presence.MonitoredClass)
}

func TestPresenceForTask(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	over := cfg.Presence.ForTask("task-7")
	assert.Equal(t, 30*time.Second, over.AbsenceThreshold)
	assert.Equal(t, 300*time.Second, over.Cooldown)
	assert.Nil(t, over.Overrides)

	plain := cfg.Presence.ForTask("task-1")
	assert.Equal(t, 5*time.Second, plain.AbsenceThreshold)
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv(EnvPlatformURL, "http://env.local")
	envFile := writeFile(t, ".env", "SJ_DISPATCH_WORKERS=9\n")
	t.Cleanup(func() { os.Unsetenv(EnvDispatchWorkers) })

	// Defaults alone lack the deployment-specific horizons.
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envFile)
	require.ErrorIs(t, err, models.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "presence.stale_after")
	assert.NotContains(t, err.Error(), "platform.base_url")
	assert.Equal(t, "9", os.Getenv(EnvDispatchWorkers))
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	t.Setenv(EnvPlatformURL, "http://override.local")
	t.Setenv(EnvRefreshInterval, "5s")
	t.Setenv(EnvLogFormat, "json")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "http://override.local", cfg.Platform.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Registry.RefreshInterval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvInvalidValue(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	t.Setenv(EnvDispatchWorkers, "many")

	_, err := Load(path, "")
	require.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Platform.BaseURL = "http://platform"
		cfg.Presence.StaleAfter = 10 * time.Second
		cfg.Presence.IdleAfter = time.Minute
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.Platform.BaseURL = "" }, "platform.base_url"},
		{"zero threshold", func(c *Config) { c.Presence.AbsenceThreshold = 0 }, "absence_threshold"},
		{"missing stale horizon", func(c *Config) { c.Presence.StaleAfter = 0 }, "stale_after"},
		{"idle without horizon", func(c *Config) { c.Presence.IdleAfter = 0 }, "idle_after"},
		{"tolerance out of range", func(c *Config) { c.Presence.MovementTolerance = 1.5 }, "movement_tolerance"},
		{"no dispatch workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"backoff inverted", func(c *Config) { c.Dispatch.MaxBackoff = time.Millisecond }, "dispatch.base_backoff"},
		{"bad backend", func(c *Config) { c.Detector.Backend = "magic" }, "detector.backend"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, models.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("idle disabled needs no horizon", func(t *testing.T) {
		cfg := valid()
		cfg.Presence.IdleEnabled = false
		cfg.Presence.IdleAfter = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestAlertLevels(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, AlertLevel{Code: "2", Name: "medium"}, cfg.Alerts.Level(models.AlertIdle))
	assert.Equal(t, AlertLevel{Code: "1", Name: "high"}, cfg.Alerts.Level(models.AlertKind("other")))
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "sjaiengine.example.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "http://platform.local:8080/tasks", cfg.Platform.TasksURL())
	assert.Equal(t, 3*time.Minute, cfg.Presence.ForTask("task-7").AbsenceThreshold)
	assert.Equal(t, AlertLevel{Code: "2", Name: "medium"}, cfg.Alerts.Level(models.AlertIdle))
}
