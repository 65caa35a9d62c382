package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/compresr/usage-monitor/internal/stats"
)

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Accounting.APIEndpoint) == "" {
		errs = append(errs, errors.New("accounting.api_endpoint is required"))
	} else if u, err := url.Parse(c.Accounting.APIEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("accounting.api_endpoint must be an http(s) URL, got %q", c.Accounting.APIEndpoint))
	}
	if c.Accounting.Timeout <= 0 {
		errs = append(errs, errors.New("accounting.timeout must be positive"))
	}

	if !stats.Supported(c.Display.Language) {
		errs = append(errs, fmt.Errorf("display.language %q is not supported (en, zh)", c.Display.Language))
	}
	switch stats.Mode(c.Display.Mode) {
	case stats.ModeTranscript, stats.ModeStatus:
	default:
		errs = append(errs, fmt.Errorf("display.mode must be transcript or status, got %q", c.Display.Mode))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend must be memory or redis, got %q", c.Session.Backend))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}

	if c.Ledger.Enabled && c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required when the ledger is enabled"))
	}
	if c.Telemetry.Enabled && c.Telemetry.LogPath == "" {
		errs = append(errs, errors.New("telemetry.log_path is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
