package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Client.Reconnect.Delay)
	assert.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Client.Push.SyncThreshold)
	assert.Equal(t, "default", cfg.Client.Push.Permission)
	assert.False(t, cfg.Client.KeepWarm)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORTAL_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("PORTAL_PUSH_PERMISSION", "granted")
	t.Setenv("PORTAL_KEEP_WARM", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, "granted", cfg.Client.Push.Permission)
	assert.True(t, cfg.Client.KeepWarm)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	content := []byte(`
client:
  socket_url: ws://portal.example/socket
  reconnect:
    max_attempts: 3
    delay: 250ms
  push:
    permission: denied
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://portal.example/socket", cfg.Client.SocketURL)
	assert.Equal(t, 3, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Reconnect.Delay)
	assert.Equal(t, "denied", cfg.Client.Push.Permission)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
}

func TestValidateRejectsUnknownPermission(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  push:\n    permission: maybe\n"), 0o600))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}
