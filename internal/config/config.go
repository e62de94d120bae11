// Package config provides YAML-based configuration loading for pkgyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pkgyard configuration, loaded from pkgyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Notify   NotifyConfig   `yaml:"notify"`
	Plugins  []string       `yaml:"plugins"`
}

// DatabaseConfig selects and addresses the session store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// SessionsConfig tunes the session runtime.
type SessionsConfig struct {
	// Retention is how long terminal sessions are kept after last activity.
	Retention time.Duration `yaml:"retention"`
	// PurgeSchedule is a five-field cron expression.
	PurgeSchedule string `yaml:"purge_schedule"`
	PoolSize      int    `yaml:"pool_size"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// NotifyConfig configures deferred-confirmation sinks. Empty sections are
// disabled.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig addresses one chat channel.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the section is filled in.
func (c ChatConfig) Enabled() bool { return c.BotToken != "" || c.ChannelID != "" }

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "pkgyard.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "pkgyard"
		}
	}
	if c.Sessions.Retention == 0 {
		c.Sessions.Retention = 24 * time.Hour
	}
	if c.Sessions.PurgeSchedule == "" {
		c.Sessions.PurgeSchedule = "0 * * * *"
	}
	if c.Sessions.PoolSize == 0 {
		c.Sessions.PoolSize = 64
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Sessions.Retention < 0 {
		errs = append(errs, "sessions.retention must not be negative")
	}
	if c.Sessions.PoolSize < 0 {
		errs = append(errs, "sessions.pool_size must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	chats := []struct {
		name string
		cfg  ChatConfig
	}{{"slack", c.Notify.Slack}, {"discord", c.Notify.Discord}}
	for _, chat := range chats {
		if chat.cfg.Enabled() && (chat.cfg.BotToken == "" || chat.cfg.ChannelID == "") {
			errs = append(errs, fmt.Sprintf("notify.%s needs both bot_token and channel_id", chat.name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
