// ABOUTME: Configuration loading and parsing for chatter-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chatterhq/chatter-gateway/internal/store"
)

// Config represents the complete chatter-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Backend   BackendConfig   `yaml:"backend"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AllowedOrigins is the Origin allow-list for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxConnections caps concurrent WebSocket connections. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. Set exactly one of
// jwt_secret and token_hash; leaving both empty disables auth (dev only).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	TokenHash string `yaml:"token_hash"`
}

// BackendConfig selects and configures the agent backend
type BackendConfig struct {
	// Kind is "claudecli" or "scripted"
	Kind string `yaml:"kind"`

	// Binary overrides the CLI executable path for the claudecli backend
	Binary string `yaml:"binary"`

	// ProjectRoot is the default working directory for sessions that
	// don't name one in their handshake
	ProjectRoot string `yaml:"project_root"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	DefaultPolicy string `yaml:"default_policy"`

	IdleTimeout   time.Duration `yaml:"-"`
	EvictInterval time.Duration `yaml:"-"`
	PruneAfter    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	EvictIntervalRaw string `yaml:"evict_interval"`
	PruneAfterRaw    string `yaml:"prune_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = "claudecli"
	}
	if c.Sessions.DefaultPolicy == "" {
		c.Sessions.DefaultPolicy = store.DefaultPolicy
	}
	if c.Sessions.IdleTimeoutRaw == "" {
		c.Sessions.IdleTimeoutRaw = "30m"
	}
	if c.Sessions.EvictIntervalRaw == "" {
		c.Sessions.EvictIntervalRaw = "5m"
	}
	if c.Sessions.PruneAfterRaw == "" {
		c.Sessions.PruneAfterRaw = "720h" // 30 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listen address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && c.Auth.TokenHash != "" {
		return fmt.Errorf("auth.jwt_secret and auth.token_hash are mutually exclusive")
	}

	switch c.Backend.Kind {
	case "claudecli", "scripted":
	default:
		return fmt.Errorf("backend.kind must be claudecli or scripted, got %q", c.Backend.Kind)
	}

	if !store.ValidPolicy(c.Sessions.DefaultPolicy) {
		return fmt.Errorf("sessions.default_policy %q is not a known policy", c.Sessions.DefaultPolicy)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	if cfg.Sessions.EvictIntervalRaw != "" {
		cfg.Sessions.EvictInterval, err = time.ParseDuration(cfg.Sessions.EvictIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing evict_interval %q: %w", cfg.Sessions.EvictIntervalRaw, err)
		}
	}

	if cfg.Sessions.PruneAfterRaw != "" {
		cfg.Sessions.PruneAfter, err = time.ParseDuration(cfg.Sessions.PruneAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing prune_after %q: %w", cfg.Sessions.PruneAfterRaw, err)
		}
	}

	return nil
}
