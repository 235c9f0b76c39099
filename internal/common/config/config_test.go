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
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())

	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Docker.Socket)
	assert.Equal(t, "localhost", cfg.Proxy.BaseDomain)
	assert.Equal(t, "traefik", cfg.Proxy.Network)

	assert.Equal(t, 10*time.Second, cfg.Orchestrator.StopGraceDuration())
	assert.Equal(t, "@every 30s", cfg.Orchestrator.ReconcileSchedule)
	assert.Zero(t, cfg.Orchestrator.IdleTimeoutDuration())

	assert.Equal(t, 5, cfg.Terminal.MaxPerSandbox)
	assert.Equal(t, 10000, cfg.Terminal.ScrollbackLines)
	assert.Equal(t, 256, cfg.Chat.SubscriberBuffer)
	assert.Equal(t, 1000, cfg.Chat.MaxMessages)
	assert.Equal(t, 1<<20, cfg.Chat.MaxMessageBytes)
}

func TestLoadDataDirLayout(t *testing.T) {
	t.Setenv("DATA_DIR", "/srv/agentpod")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "/srv/agentpod", cfg.Data.Dir)
	assert.Equal(t, "/srv/agentpod/repos", cfg.Data.ReposDir())
	assert.Equal(t, "/srv/agentpod/volumes", cfg.Data.VolumesDir())
	assert.Equal(t, "/srv/agentpod/db", cfg.Data.DBDir())
	assert.Equal(t, "/srv/agentpod/agentpod.lock", cfg.Data.LockPath())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/agentpod")
	t.Setenv("BASE_DOMAIN", "sandboxes.example.com")
	t.Setenv("AGENTPOD_ORCHESTRATOR_IDLE_TIMEOUT", "45")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/agentpod", cfg.Database.URL)
	assert.Equal(t, "sandboxes.example.com", cfg.Proxy.BaseDomain)
	assert.Equal(t, 45*time.Minute, cfg.Orchestrator.IdleTimeoutDuration())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  port: 7070
proxy:
  baseDomain: pods.internal
  tls: true
terminal:
  maxPerSandbox: 3
`), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "pods.internal", cfg.Proxy.BaseDomain)
	assert.True(t, cfg.Proxy.TLS)
	assert.Equal(t, 3, cfg.Terminal.MaxPerSandbox)
	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 10000, cfg.Terminal.ScrollbackLines)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "port out of range",
			env:     map[string]string{"PORT": "70000"},
			wantErr: "server.port",
		},
		{
			name:    "negative stop grace",
			env:     map[string]string{"AGENTPOD_ORCHESTRATOR_STOP_GRACE": "-1"},
			wantErr: "orchestrator.stopGrace",
		},
		{
			name:    "unknown log level",
			env:     map[string]string{"LOG_LEVEL": "verbose"},
			wantErr: "logging.level",
		},
		{
			name:    "evict batch above max messages",
			env:     map[string]string{"AGENTPOD_CHAT_EVICTBATCH": "5000"},
			wantErr: "chat.evictBatch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadWithPath(t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvedManagementURL(t *testing.T) {
	s := ServerConfig{Port: 8080}
	assert.Equal(t, "http://host.docker.internal:8080", s.ResolvedManagementURL())

	s.ManagementURL = "http://10.0.0.1:8080"
	assert.Equal(t, "http://10.0.0.1:8080", s.ResolvedManagementURL())
}
