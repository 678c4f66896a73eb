package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadServerHappyPath(t *testing.T) {
	path := writeTemp(t, "server.toml", `
[server]
host = "0.0.0.0"
port = 9090

[database]
type = "sqlite"
sqlite_path = "test.db"

[security]
super_admin_token = "SSSSSSSSSSSSSSSSSSSSSSSSSSSSSSSS"
token_min_length = 32
rate_limit_per_minute = 5
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.Addr())
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, 5, cfg.Security.RateLimitPerMinute)
	// defaults still apply for sections not present
	require.True(t, cfg.TerminalHistory.Enabled)
	require.Equal(t, 256, cfg.TerminalHistory.DefaultBufferSizeKB)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
}

func TestLoadServerRejectsShortSuperAdminToken(t *testing.T) {
	path := writeTemp(t, "server.toml", `
[security]
super_admin_token = "short"
token_min_length = 32
`)

	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestLoadServerRejectsUnknownDatabaseType(t *testing.T) {
	path := writeTemp(t, "server.toml", `
[database]
type = "postgres"

[security]
super_admin_token = "SSSSSSSSSSSSSSSSSSSSSSSSSSSSSSSS"
token_min_length = 16
`)

	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestLoadServerRequiresMySQLURLWhenTypeMySQL(t *testing.T) {
	path := writeTemp(t, "server.toml", `
[database]
type = "mysql"

[security]
super_admin_token = "SSSSSSSSSSSSSSSSSSSSSSSSSSSSSSSS"
token_min_length = 16
`)

	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestLoadAgentHappyPath(t *testing.T) {
	path := writeTemp(t, "agent.toml", `
[agent]
name = "w1"
admin_token = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
share_token = "HHHHHHHHHHHHHHHHHHHHHHHHHHHHHHHH"

[server]
url = "https://tunnel.example.com"
reconnect_interval = 3
heartbeat_interval = 15
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	require.Equal(t, "w1", cfg.Agent.Name)
	require.Equal(t, "wss://tunnel.example.com/ws/agent", cfg.WebSocketURL())
	require.Equal(t, 3*1_000_000_000, int(cfg.ReconnectInterval()))
}

func TestLoadAgentRequiresTokens(t *testing.T) {
	path := writeTemp(t, "agent.toml", `
[agent]
name = "w1"

[server]
url = "https://tunnel.example.com"
`)

	_, err := LoadAgent(path)
	require.Error(t, err)
}
