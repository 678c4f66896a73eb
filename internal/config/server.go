// Package config loads the TOML configuration documents for the Server and
// Agent binaries via spf13/viper, and validates the fields each startup path
// depends on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the root of the Server's [server]/[database]/[security]/
// [logging]/[terminal_history]/[audit_log] TOML document.
type ServerConfig struct {
	Server          ServerListen    `mapstructure:"server"`
	Database        Database        `mapstructure:"database"`
	Security        Security        `mapstructure:"security"`
	Logging         Logging         `mapstructure:"logging"`
	TerminalHistory TerminalHistory `mapstructure:"terminal_history"`
	AuditLog        AuditLog        `mapstructure:"audit_log"`
}

type ServerListen struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"` // seconds; Server-to-Agent ticker
}

type Database struct {
	Type       string `mapstructure:"type"` // "sqlite" or "mysql"
	SQLitePath string `mapstructure:"sqlite_path"`
	MySQLURL   string `mapstructure:"mysql_url"`
	RedisURL   string `mapstructure:"redis_url"`
}

type Security struct {
	SuperAdminToken     string `mapstructure:"super_admin_token"`
	RateLimitPerMinute  int    `mapstructure:"rate_limit_per_minute"`
	TokenMinLength      int    `mapstructure:"token_min_length"`
}

type Logging struct {
	Level    string `mapstructure:"level"`
	File     string `mapstructure:"file"`
	Rotation string `mapstructure:"rotation"` // "daily" | "hourly"
}

type TerminalHistory struct {
	Enabled             bool `mapstructure:"enabled"`
	DefaultBufferSizeKB int  `mapstructure:"default_buffer_size_kb"`
	MaxBufferSizeKB     int  `mapstructure:"max_buffer_size_kb"`
	RetentionDays       int  `mapstructure:"retention_days"`
}

type AuditLog struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// LoadServer reads and validates the Server's TOML configuration at path.
func LoadServer(path string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setServerDefaults(v)
	v.SetEnvPrefix("TUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.heartbeat_interval", 30)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite_path", "tunnel.db")
	v.SetDefault("security.token_min_length", 16)
	v.SetDefault("security.rate_limit_per_minute", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.rotation", "daily")
	v.SetDefault("terminal_history.enabled", true)
	v.SetDefault("terminal_history.default_buffer_size_kb", 256)
	v.SetDefault("terminal_history.max_buffer_size_kb", 4096)
	v.SetDefault("terminal_history.retention_days", 7)
	v.SetDefault("audit_log.enabled", true)
	v.SetDefault("audit_log.retention_days", 30)
}

// Validate enforces the fatal-at-startup rules from the error handling design:
// missing required token, token below minimum length, or an unrecognized
// database type.
func (c *ServerConfig) Validate() error {
	if c.Security.TokenMinLength <= 0 {
		return fmt.Errorf("security.token_min_length must be positive")
	}
	if c.Security.SuperAdminToken == "" {
		return fmt.Errorf("security.super_admin_token is required")
	}
	if len(c.Security.SuperAdminToken) < c.Security.TokenMinLength {
		return fmt.Errorf("security.super_admin_token must be at least %d characters", c.Security.TokenMinLength)
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required when database.type = \"sqlite\"")
		}
	case "mysql":
		if c.Database.MySQLURL == "" {
			return fmt.Errorf("database.mysql_url is required when database.type = \"mysql\"")
		}
	default:
		return fmt.Errorf("database.type must be \"sqlite\" or \"mysql\", got %q", c.Database.Type)
	}
	if c.TerminalHistory.DefaultBufferSizeKB > c.TerminalHistory.MaxBufferSizeKB {
		return fmt.Errorf("terminal_history.default_buffer_size_kb cannot exceed max_buffer_size_kb")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HeartbeatInterval is how often the Server pings each Agent connection; a
// dead Agent is detected after roughly 2x this interval with no response.
func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Server.HeartbeatInterval) * time.Second
}
