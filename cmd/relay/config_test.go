package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/ws"
)

const testSecret = "0123456789abcdef0123"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("RELAY_AUTH_SECRET", testSecret)

	_, cfg, err := loadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Server.Addr)
	assert.Equal(t, "/ws", cfg.WS.Path)
	assert.Equal(t, ws.PresenceScopeRooms, cfg.WS.PresenceScope)
	assert.Equal(t, 60, cfg.WS.Guard.MessageLimit.Requests)
	assert.Equal(t, time.Minute, cfg.WS.Guard.MessageLimit.Window)
	assert.Equal(t, 60*time.Second, cfg.WS.Client.PongWait)
	assert.Equal(t, bus.DriverNone, cfg.Bus.Driver)
	assert.Equal(t, "relay:broadcast", cfg.WS.Fanout.Channel)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, 5*time.Second, cfg.Admin.SessionCacheTTL)
	assert.NotEmpty(t, cfg.Admin.CORS.AllowMethods)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
http:
  server:
    addr: ":9000"
ws:
  path: /socket
  guard:
    message_limit:
      requests: 10
      window: 30s
bus:
  driver: memory
  channel: relay:test
admin:
  tokens:
    ops: admin-token
  cors:
    allow_methods: [GET]
auth:
  secret: `+testSecret+`
`)
	t.Setenv("RELAY_HTTP_SERVER_ADDR", ":9100")
	t.Setenv("RELAY_WS_CLIENT_PONG_WAIT", "90s")

	_, cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTP.Server.Addr)
	assert.Equal(t, "/socket", cfg.WS.Path)
	assert.Equal(t, 10, cfg.WS.Guard.MessageLimit.Requests)
	assert.Equal(t, 30*time.Second, cfg.WS.Guard.MessageLimit.Window)
	assert.Equal(t, 90*time.Second, cfg.WS.Client.PongWait)
	assert.Equal(t, bus.DriverMemory, cfg.Bus.Driver)
	assert.Equal(t, "relay:test", cfg.WS.Fanout.Channel)
	assert.Equal(t, map[string]string{"ops": "admin-token"}, cfg.Admin.Tokens)
	assert.Equal(t, []string{"GET"}, cfg.Admin.CORS.AllowMethods)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing secret", "ws:\n  path: /ws\n"},
		{"bad ws path", "auth:\n  secret: " + testSecret + "\nws:\n  path: socket\n"},
		{"redis bus without redis", "auth:\n  secret: " + testSecret + "\nbus:\n  driver: redis\n"},
		{"kafka without brokers", "auth:\n  secret: " + testSecret + "\nbus:\n  driver: kafka\n"},
		{"unknown database", "auth:\n  secret: " + testSecret + "\ndatabase:\n  type: oracle\n  dsn: x\n"},
		{"bad log level", "auth:\n  secret: " + testSecret + "\nlog:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := loadConfig(writeConfig(t, tt.content), nil)
			assert.Error(t, err)
		})
	}
}

func TestAppConfig_YAMLMasksSecrets(t *testing.T) {
	t.Setenv("RELAY_AUTH_SECRET", testSecret)
	_, cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.Admin.Tokens = map[string]string{"ops": "admin-token"}
	cfg.Redis.Password = "hunter2"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), testSecret)
	assert.NotContains(t, string(out), "admin-token")
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "ops:")

	// 原配置不受影响
	assert.Equal(t, "admin-token", cfg.Admin.Tokens["ops"])
	assert.Equal(t, testSecret, cfg.Auth.Secret)
}

func TestCommands(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: "+testSecret+"\n")

	t.Run("print-config", func(t *testing.T) {
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetArgs([]string{"print-config", "--config", path})
		require.NoError(t, rootCmd.Execute())
		assert.Contains(t, buf.String(), "path: /ws")
		assert.NotContains(t, buf.String(), testSecret)
	})

	t.Run("token", func(t *testing.T) {
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetArgs([]string{"token", "alice", "--config", path})
		require.NoError(t, rootCmd.Execute())

		_, cfg, err := loadConfig(path, nil)
		require.NoError(t, err)
		v, err := newVerifier(cfg)
		require.NoError(t, err)
		user, err := v.VerifyToken(t.Context(), string(bytes.TrimSpace(buf.Bytes())))
		require.NoError(t, err)
		assert.Equal(t, "alice", user)
	})

	t.Run("version", func(t *testing.T) {
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetArgs([]string{"version"})
		require.NoError(t, rootCmd.Execute())
		assert.Equal(t, "relay dev\n", buf.String())
	})
}

func TestRestartSections(t *testing.T) {
	t.Setenv("RELAY_AUTH_SECRET", testSecret)
	_, cur, err := loadConfig("", nil)
	require.NoError(t, err)
	_, next, err := loadConfig("", nil)
	require.NoError(t, err)

	assert.Empty(t, restartSections(cur, next))

	next.HTTP.Server.Addr = ":9090"
	next.Bus.Channel = "relay:other"
	assert.Equal(t, []string{"http", "bus"}, restartSections(cur, next))
}
