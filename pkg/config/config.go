// Package config loads service configuration from an optional YAML file with
// environment variable overrides for the secrets and deploy-time settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and static asset settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	StaticDir    string `yaml:"static_dir"`
	MetadataFile string `yaml:"metadata_file"`
}

// ProviderConfig holds the speech provider endpoints and credentials.
type ProviderConfig struct {
	APIKey           string        `yaml:"api_key"`
	ListenURL        string        `yaml:"listen_url"`
	SpeakURL         string        `yaml:"speak_url"`
	SpeakRESTURL     string        `yaml:"speak_rest_url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// SessionConfig holds the per-session relay limits.
type SessionConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	QueueSize     int           `yaml:"queue_size"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`
}

// AuthConfig holds the session token settings. An empty SessionSecret means a
// random per-boot secret is used and the page nonce requirement is disabled.
type AuthConfig struct {
	SessionSecret string        `yaml:"session_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	NonceTTL      time.Duration `yaml:"nonce_ttl"`
}

// LoggingConfig holds the log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file, applies defaults, and validates.
// An empty path skips the file and yields the defaults. Environment variables
// are not consulted; use LoadWithEnvOverrides for that.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithEnvOverrides loads configuration and then applies environment
// variable overrides (DEEPGRAM_API_KEY, SESSION_SECRET, PORT, HOST).
// Environment variables always win over file values.
func LoadWithEnvOverrides(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed after env overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment variables the original deployment
// contract uses.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DEEPGRAM_API_KEY"); val != "" {
		cfg.Provider.APIKey = val
	}
	if val := os.Getenv("SESSION_SECRET"); val != "" {
		cfg.Auth.SessionSecret = val
	}
	if val := os.Getenv("HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = p
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// ApplyDefaults fills any unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "frontend/dist"
	}
	if cfg.Server.MetadataFile == "" {
		cfg.Server.MetadataFile = "deepgram.toml"
	}

	if cfg.Provider.ListenURL == "" {
		cfg.Provider.ListenURL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Provider.SpeakURL == "" {
		cfg.Provider.SpeakURL = "wss://api.deepgram.com/v1/speak"
	}
	if cfg.Provider.SpeakRESTURL == "" {
		cfg.Provider.SpeakRESTURL = "https://api.deepgram.com/v1/speak"
	}
	if cfg.Provider.HandshakeTimeout == 0 {
		cfg.Provider.HandshakeTimeout = 10 * time.Second
	}

	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = 16
	}
	if cfg.Session.QueueSize == 0 {
		cfg.Session.QueueSize = 64
	}
	if cfg.Session.StallTimeout == 0 {
		cfg.Session.StallTimeout = 5 * time.Second
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 60 * time.Second
	}
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = 10 * time.Second
	}
	if cfg.Session.StartTimeout == 0 {
		cfg.Session.StartTimeout = 10 * time.Second
	}
	if cfg.Session.MaxFrameBytes == 0 {
		cfg.Session.MaxFrameBytes = 2 << 20 // 2 MiB
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Auth.NonceTTL == 0 {
		cfg.Auth.NonceTTL = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for values the service cannot run with.
// The provider API key is checked separately at startup so callers can print
// setup guidance instead of a bare validation error.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Provider.ListenURL == "" {
		return fmt.Errorf("provider.listen_url must not be empty")
	}
	if cfg.Provider.SpeakURL == "" {
		return fmt.Errorf("provider.speak_url must not be empty")
	}
	if cfg.Provider.HandshakeTimeout <= 0 {
		return fmt.Errorf("provider.handshake_timeout must be positive")
	}
	if cfg.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}
	if cfg.Session.QueueSize < 1 {
		return fmt.Errorf("session.queue_size must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"session.stall_timeout": cfg.Session.StallTimeout,
		"session.idle_timeout":  cfg.Session.IdleTimeout,
		"session.write_timeout": cfg.Session.WriteTimeout,
		"session.start_timeout": cfg.Session.StartTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Session.MaxFrameBytes < 1 {
		return fmt.Errorf("session.max_frame_bytes must be at least 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	return nil
}

// Addr returns the host:port the HTTP server should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
