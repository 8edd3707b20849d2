package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2000, cfg.Reconnect.BaseDelayMs)
	assert.Equal(t, 30000, cfg.Reconnect.MaxDelayMs)
	assert.Equal(t, 3600, cfg.Sessions.CacheTTL)
	assert.Equal(t, "process-message", cfg.Queue.Topic)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wabridge.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
web:
  listen: ":9090"
sessions:
  path: /data/sessions
  cleanup_days: 14
reconnect:
  max_attempts: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Web.Listen)
	assert.Equal(t, "/data/sessions", cfg.Sessions.Path)
	assert.Equal(t, 14, cfg.Sessions.CleanupDays)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	// untouched sections keep defaults
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("WHATSAPP_SESSION_PATH", "/env/sessions")
	t.Setenv("WABRIDGE_REDIS_ADDR", "redis:6380")
	t.Setenv("WABRIDGE_REDIS_DB", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/sessions", cfg.Sessions.Path)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestBadYamlFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("web: [::"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
