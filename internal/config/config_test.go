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
	assert.Equal(t, 8765, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.DefaultActionTimeout)
	assert.Equal(t, 30*time.Second, cfg.AccessibilityTreeTimeout)
	assert.Equal(t, 20*time.Second, cfg.DOMSnapshotTimeout)
	assert.Equal(t, 50_000, cfg.MaxHTML)
	assert.Equal(t, 3, cfg.FailureThreshold)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("BRIDGE_PORT", "9000")
	t.Setenv("PING_INTERVAL", "20s")
	t.Setenv("MAX_HTML", "1000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, 1000, cfg.MaxHTML)
}

func TestLoad_TOMLFileSetsDefaultsBeforeEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 9100
max_html = 2000
ping_interval_ms = 15000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2000, cfg.MaxHTML)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)

	t.Setenv("BRIDGE_PORT", "9200")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port, "env must override TOML values")
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	t.Setenv("BRIDGE_PORT", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_RejectsNonPositivePingInterval(t *testing.T) {
	t.Setenv("PING_INTERVAL", "-5s")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_RejectsInvertedCallerTimeoutBounds(t *testing.T) {
	t.Setenv("MIN_CALLER_TIMEOUT", "200s")
	t.Setenv("MAX_CALLER_TIMEOUT", "10s")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_RejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_AllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}
