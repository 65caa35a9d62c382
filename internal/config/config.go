// Package config loads and validates usage-monitor configuration.
//
// FILES:
//   - config.go:   Config types, loading, env overrides
//   - validate.go: Validation rules
//   - env.go:      ${VAR} / ${VAR:-default} expansion and .env loading
//   - defaults.go: Default values
//
// DESIGN: Load starts from Default() and unmarshals YAML on top, so keys that
// are absent keep their defaults. USAGE_MONITOR_* variables override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/compresr/usage-monitor/internal/monitoring"
	"github.com/compresr/usage-monitor/internal/stats"
)

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Accounting AccountingConfig           `yaml:"accounting"`
	Display    DisplayConfig              `yaml:"display"`
	Filter     FilterConfig               `yaml:"filter"`
	Sanitizer  SanitizerConfig            `yaml:"sanitizer"`
	Meter      MeterConfig                `yaml:"meter"`
	Session    SessionConfig              `yaml:"session"`
	Ledger     LedgerConfig               `yaml:"ledger"`
	Tokens     TokensConfig               `yaml:"tokens"`
	Logging    monitoring.LoggerConfig    `yaml:"logging"`
	Telemetry  monitoring.TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP filter server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AccountingConfig points at the external accounting service.
type AccountingConfig struct {
	APIEndpoint string        `yaml:"api_endpoint"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DisplayConfig selects which usage fields are shown and where.
type DisplayConfig struct {
	Language         string `yaml:"language"`
	ShowTokens       bool   `yaml:"show_tokens"`
	ShowCost         bool   `yaml:"show_cost"`
	ShowBalance      bool   `yaml:"show_balance"`
	ShowTimeSpent    bool   `yaml:"show_time_spent"`
	ShowTokensPerSec bool   `yaml:"show_tokens_per_sec"`
	Mode             string `yaml:"mode"` // transcript or status
}

// FilterConfig carries hints consumed only by the host.
type FilterConfig struct {
	Priority int `yaml:"priority"`
}

// SanitizerConfig overrides the marker stripped from message contents.
type SanitizerConfig struct {
	Marker   string `yaml:"marker"`   // empty means the display prefix
	Disabled bool   `yaml:"disabled"` // skip sanitizing entirely
}

// MeterConfig tunes post-flight failure handling.
type MeterConfig struct {
	// StrictOutlet drops the exchange when post-flight accounting fails.
	StrictOutlet bool `yaml:"strict_outlet"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Backend string        `yaml:"backend"` // memory or redis
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared session backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LedgerConfig configures the local usage ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Recent  int    `yaml:"recent"`
}

// TokensConfig enables prompt token estimates in telemetry.
type TokensConfig struct {
	Estimate bool `yaml:"estimate"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Accounting: AccountingConfig{
			Timeout: DefaultAccountingTimeout,
		},
		Display: DisplayConfig{
			Language:         DefaultLanguage,
			ShowTokens:       true,
			ShowCost:         true,
			ShowBalance:      true,
			ShowTimeSpent:    true,
			ShowTokensPerSec: true,
			Mode:             DefaultMode,
		},
		Filter: FilterConfig{Priority: DefaultPriority},
		Session: SessionConfig{
			Backend: DefaultSessionBackend,
			TTL:     DefaultSessionTTL,
		},
		Ledger: LedgerConfig{
			Path:   DefaultLedgerPath,
			Recent: DefaultRecentRecords,
		},
		Logging: monitoring.LoggerConfig{
			Level:  "info",
			Output: "stdout",
		},
		Telemetry: monitoring.TelemetryConfig{
			LogPath: DefaultTelemetryPath,
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses a YAML config file without validating it. A .env next to the
// file (and in the working directory) is loaded first so ${VAR} references
// can resolve.
func Read(path string) (*Config, error) {
	LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	// #nosec G304 -- path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadFromBytes parses and validates YAML.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands env references in YAML, applies USAGE_MONITOR_* overrides
// and fills unset fields from Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides.
const (
	EnvAPIEndpoint = "USAGE_MONITOR_API_ENDPOINT"
	EnvAPIKey      = "USAGE_MONITOR_API_KEY"
	EnvLanguage    = "USAGE_MONITOR_LANGUAGE"
	EnvPort        = "USAGE_MONITOR_PORT"
	EnvRedisAddr   = "USAGE_MONITOR_REDIS_ADDR"
)

// ApplyEnv overlays USAGE_MONITOR_* variables that are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvAPIEndpoint); v != "" {
		c.Accounting.APIEndpoint = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Accounting.APIKey = v
	}
	if v := os.Getenv(EnvLanguage); v != "" {
		c.Display.Language = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Session.Backend = "redis"
		c.Session.Redis.Addr = v
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StatsOptions converts display settings for the stats reporter.
func (c *Config) StatsOptions() stats.Options {
	return stats.Options{
		Language:         stats.ParseLanguage(c.Display.Language),
		ShowTokens:       c.Display.ShowTokens,
		ShowCost:         c.Display.ShowCost,
		ShowBalance:      c.Display.ShowBalance,
		ShowTimeSpent:    c.Display.ShowTimeSpent,
		ShowTokensPerSec: c.Display.ShowTokensPerSec,
		Mode:             stats.Mode(c.Display.Mode),
	}
}

// SanitizerMarker returns the marker to strip, or "" when disabled.
func (c *Config) SanitizerMarker() string {
	if c.Sanitizer.Disabled {
		return ""
	}
	if c.Sanitizer.Marker != "" {
		return c.Sanitizer.Marker
	}
	return stats.T(stats.ParseLanguage(c.Display.Language), stats.KeyPrefix)
}
