package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from perch.yaml.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Relay    RelayConfig    `yaml:"relay"`
	Script   ScriptConfig   `yaml:"script"`
	Control  ControlConfig  `yaml:"control"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
}

type HubConfig struct {
	ID            string `yaml:"id"`             // stable hub identity; generated if empty
	DataDir       string `yaml:"data_dir"`       // default ~/.perch
	ScrollbackCap int    `yaml:"scrollback_cap"` // raw scrollback bytes per session
	TickInterval  string `yaml:"tick_interval"`  // event loop poll timeout, e.g. "250ms"
	CleanupEvery  string `yaml:"cleanup_every"`  // periodic cleanup interval, e.g. "30s"
}

type RelayConfig struct {
	URL                  string   `yaml:"url"`   // e.g. wss://relay.example.com/ws/hub
	Token                string   `yaml:"token"` // device auth token (JWT)
	Encrypt              bool     `yaml:"encrypt"`
	CompressionThreshold int      `yaml:"compression_threshold"` // bytes; 0 disables
	RateLimitBytes       int      `yaml:"rate_limit_bytes"`      // outbound bytes/sec; 0 = unlimited
	ICEServers           []string `yaml:"ice_servers"`           // STUN/TURN URLs for the P2P upgrade
}

type ScriptConfig struct {
	Path      string `yaml:"path"`       // orchestration script file
	HotReload bool   `yaml:"hot_reload"` // watch and reload on change
}

type ControlConfig struct {
	Secret string `yaml:"secret"` // JWT signing secret; empty relies on socket perms
}

type NotifyConfig struct {
	Topic  string `yaml:"topic"`  // ntfy topic or full URL
	Token  string `yaml:"token"`  // optional bearer token
	Events string `yaml:"events"` // comma-separated: "attention,exit"
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // sqlite file; default <data_dir>/perch.db
}

// Load reads configuration from a file and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if url := os.Getenv("PERCH_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if token := os.Getenv("PERCH_RELAY_TOKEN"); token != "" {
		c.Relay.Token = token
	}
	if topic := os.Getenv("PERCH_NTFY_TOPIC"); topic != "" {
		c.Notify.Topic = topic
	}
	if level := os.Getenv("PERCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PERCH_CONTROL_SECRET"); secret != "" {
		c.Control.Secret = secret
	}
}

func (c *Config) applyDefaults() {
	if c.Hub.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Hub.DataDir = filepath.Join(home, ".perch")
	}
	if c.Hub.ScrollbackCap == 0 {
		c.Hub.ScrollbackCap = 256 * 1024
	}
	if c.Hub.TickInterval == "" {
		c.Hub.TickInterval = "250ms"
	}
	if c.Hub.CleanupEvery == "" {
		c.Hub.CleanupEvery = "30s"
	}
	if c.Relay.CompressionThreshold == 0 {
		c.Relay.CompressionThreshold = 512
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Hub.DataDir, "perch.db")
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.Hub.TickInterval); err != nil {
		return fmt.Errorf("hub.tick_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Hub.CleanupEvery); err != nil {
		return fmt.Errorf("hub.cleanup_every: %w", err)
	}
	if c.Hub.ScrollbackCap < 4096 {
		return fmt.Errorf("hub.scrollback_cap must be at least 4096 bytes, got %d", c.Hub.ScrollbackCap)
	}
	return nil
}

// TickInterval returns the parsed event-loop poll timeout.
func (c *Config) TickInterval() time.Duration {
	d, _ := time.ParseDuration(c.Hub.TickInterval)
	return d
}

// CleanupEvery returns the parsed cleanup interval.
func (c *Config) CleanupEvery() time.Duration {
	d, _ := time.ParseDuration(c.Hub.CleanupEvery)
	return d
}

// SocketPath is the control-plane unix socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Hub.DataDir, "perchd.sock")
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Hub.DataDir, 0o700)
}
