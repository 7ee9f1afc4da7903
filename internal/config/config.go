// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	AgentID  string         `yaml:"agent_id"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int  `yaml:"port"`
	ChatEnabled bool `yaml:"chat_enabled"`
}

// DatabaseConfig selects and configures the durable store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SessionConfig tunes per-conversation behavior.
type SessionConfig struct {
	QueueCapacity    int    `yaml:"queue_capacity"`
	SendBuffer       int    `yaml:"send_buffer"`
	PayloadPreview   int    `yaml:"payload_preview"`
	QuestionDeadline string `yaml:"question_deadline"` // e.g. "30m"
	IdleTimeout      string `yaml:"idle_timeout"`      // e.g. "15m"

	questionDeadline time.Duration
	idleTimeout      time.Duration
}

// RuntimeConfig configures the agent subprocess runtime.
type RuntimeConfig struct {
	Binary  string `yaml:"binary"`
	WorkDir string `yaml:"workdir"`
}

// NotifyConfig holds chat-platform notifier settings. A notifier is
// enabled when its bot token is non-empty.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack notifier credentials. The app token enables
// Socket Mode, which carries thread replies back as answers.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord notifier credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

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
	cfg := Config{
		Server: ServerConfig{ChatEnabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// QuestionDeadlineDuration returns the parsed question deadline duration.
func (s *SessionConfig) QuestionDeadlineDuration() time.Duration {
	return s.questionDeadline
}

// IdleTimeoutDuration returns the parsed idle timeout duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return s.idleTimeout
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" && c.AgentID != "" {
		c.Database.Database = "switchboard_" + c.AgentID
	}
	if c.Session.QueueCapacity == 0 {
		c.Session.QueueCapacity = 8
	}
	if c.Session.SendBuffer == 0 {
		c.Session.SendBuffer = 256
	}
	if c.Session.PayloadPreview == 0 {
		c.Session.PayloadPreview = 16384
	}
	if c.Session.QuestionDeadline == "" {
		c.Session.QuestionDeadline = "30m"
	}
	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = "15m"
	}
	if c.Runtime.Binary == "" {
		c.Runtime.Binary = "claude"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.AgentID == "" {
		errs = append(errs, "agent_id is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Session.QueueCapacity < 1 {
		errs = append(errs, "session.queue_capacity must be at least 1")
	}
	d, err := time.ParseDuration(c.Session.QuestionDeadline)
	if err != nil || d <= 0 {
		errs = append(errs, fmt.Sprintf("session.question_deadline %q is not a positive duration", c.Session.QuestionDeadline))
	}
	c.Session.questionDeadline = d
	d, err = time.ParseDuration(c.Session.IdleTimeout)
	if err != nil || d <= 0 {
		errs = append(errs, fmt.Sprintf("session.idle_timeout %q is not a positive duration", c.Session.IdleTimeout))
	}
	c.Session.idleTimeout = d
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
