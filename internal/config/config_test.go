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
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("API_TOKEN", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 1, cfg.Broker.MaxMissedPongs)
	assert.Equal(t, 100, cfg.Broker.MailboxMaxPerUser)
	assert.Equal(t, AuthModeTrust, cfg.Auth.Mode)
	assert.Empty(t, cfg.Auth.APIToken)
	assert.Equal(t, "service", cfg.Auth.ServiceRole)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadAPIToken(t *testing.T) {
	t.Setenv("API_TOKEN", "s3cret")
	t.Setenv("SERVICE_ROLE", "backend")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.APIToken)
	assert.Equal(t, "backend", cfg.Auth.ServiceRole)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
broker:
  heartbeat_interval: 5s
  mailbox_max_per_user: 10
redis:
  addr: "localhost:6379"
`), 0o600))

	t.Setenv("HEARTBEAT_INTERVAL", "2s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Broker.MailboxMaxPerUser)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoadPortShorthand(t *testing.T) {
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad duration", "HEARTBEAT_INTERVAL", "soon", "HEARTBEAT_INTERVAL"},
		{"bad int", "SEND_BUFFER_SIZE", "lots", "SEND_BUFFER_SIZE"},
		{"bad bool", "LOG_PRETTY", "maybe", "LOG_PRETTY"},
		{"jwt without secret", "AUTH_MODE", "jwt", "JWT_SECRET"},
		{"unknown auth mode", "AUTH_MODE", "ldap", "unknown auth mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
