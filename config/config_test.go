package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Default()
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, ":8870", cfg.HTTP.Addr)
	require.Equal(t, 10, cfg.RateLimit.Control)
	require.Equal(t, 30, cfg.RateLimit.Status)
	require.Equal(t, 200, cfg.RateLimit.Global)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.Equal(t, 15*time.Second, cfg.Bot.SyncInterval)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: dev
http:
  addr: ":9999"
  shutdown_timeout: 5s
database:
  url: postgres://localhost/blitz
rate_limit:
  control: 3
  window: 30s
bot:
  sync_interval: 2s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	require.Equal(t, "postgres://localhost/blitz", cfg.Database.URL)
	require.Equal(t, 3, cfg.RateLimit.Control)
	require.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	require.Equal(t, 2*time.Second, cfg.Bot.SyncInterval)
	// Untouched fields keep defaults.
	require.Equal(t, 30, cfg.RateLimit.Status)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: ["), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot:\n  sync_interval: soon\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9999\"\n"), 0o600))

	t.Setenv("BLITZ_HTTP_ADDR", ":7777")
	t.Setenv("BLITZ_ENV", "staging")
	t.Setenv("BLITZ_RATE_CONTROL", "5")
	t.Setenv("BLITZ_SYNC_INTERVAL", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.HTTP.Addr)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, 5, cfg.RateLimit.Control)
	require.Equal(t, time.Second, cfg.Bot.SyncInterval)
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("BLITZ_RATE_CONTROL", "not-a-number")
	t.Setenv("BLITZ_RATE_WINDOW", "-5s")

	cfg := FromEnv()
	require.Equal(t, Default().RateLimit.Control, cfg.RateLimit.Control)
	require.Equal(t, Default().RateLimit.Window, cfg.RateLimit.Window)
}
