package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig is the root of the Agent's [agent]/[server]/[logging] TOML
// document.
type AgentConfig struct {
	Agent   AgentIdentity `mapstructure:"agent"`
	Server  AgentServer   `mapstructure:"server"`
	Logging Logging       `mapstructure:"logging"`
}

type AgentIdentity struct {
	Name       string `mapstructure:"name"`
	AdminToken string `mapstructure:"admin_token"`
	ShareToken string `mapstructure:"share_token"`
}

type AgentServer struct {
	URL               string `mapstructure:"url"` // ws/wss/http/https
	ReconnectInterval int    `mapstructure:"reconnect_interval"` // seconds
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"` // seconds
}

// LoadAgent reads and validates the Agent's TOML configuration at path.
func LoadAgent(path string) (*AgentConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setAgentDefaults(v)
	v.SetEnvPrefix("TUNNEL_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("server.reconnect_interval", 5)
	v.SetDefault("server.heartbeat_interval", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.rotation", "daily")
}

func (c *AgentConfig) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Agent.AdminToken == "" {
		return fmt.Errorf("agent.admin_token is required")
	}
	if c.Agent.ShareToken == "" {
		return fmt.Errorf("agent.share_token is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.ReconnectInterval <= 0 {
		return fmt.Errorf("server.reconnect_interval must be positive")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be positive")
	}
	return nil
}

func (c *AgentConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.Server.ReconnectInterval) * time.Second
}

func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Server.HeartbeatInterval) * time.Second
}

// WebSocketURL rewrites an http(s):// server.url to ws(s):// and appends
// /ws/agent, accepting ws/wss URLs unchanged (aside from the path).
func (c *AgentConfig) WebSocketURL() string {
	u := c.Server.URL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/")
	if strings.HasSuffix(u, "/ws/agent") {
		return u
	}
	return u + "/ws/agent"
}
