package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

providers:
  google:
    enabled: true
    api_key: ${TEST_API_KEY}
    endpoints:
      gemini: https://example.com/v1beta
    supported_dialects: [gemini]
    models:
      - gemini-2.0-flash

aliases:
  smart:
    selector: random
    targets:
      - provider: google
        model: gemini-2.0-flash
`)

	t.Setenv("TEST_API_KEY", "my-secret-key")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	google, ok := cfg.Providers["google"]
	assert.True(t, ok, "google provider should exist")
	assert.Equal(t, "my-secret-key", google.APIKey)
	assert.Equal(t, []string{"gemini-2.0-flash"}, google.Models)

	smart, ok := cfg.Aliases["smart"]
	assert.True(t, ok)
	assert.Equal(t, "google", smart.Targets[0].Provider)
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`)

	t.Setenv("GATEWAY_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `server: {}`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Cooldown.MinDuration)
	assert.Equal(t, 30*time.Minute, cfg.Cooldown.MaxDuration)
	assert.Equal(t, 60*time.Second, cfg.Cooldown.DefaultByReason["rate_limit"])
	assert.Equal(t, 5*time.Minute, cfg.Metrics.WindowDuration)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	configPath := writeConfig(t, `
aliases:
  smart:
    targets:
      - provider: nope
        model: m
`)

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8080
`)

	w, err := NewWatcher(configPath)
	require.NoError(t, err)
	assert.Equal(t, 8080, w.Get().Server.Port)

	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644))
	w.reload()

	assert.Equal(t, 9999, w.Get().Server.Port)
}
