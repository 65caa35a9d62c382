// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by the meter, gateway and CLI packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - Phase:         Which hook produced an event
//   - ExchangeEvent: Telemetry data for each metered phase
//   - InitEvent:     Startup configuration snapshot
//   - Config types:  TelemetryConfig, LoggerConfig
package monitoring

import "time"

// =============================================================================
// PHASES - Used by meter and telemetry
// =============================================================================

// Phase identifies which hook handled the exchange.
type Phase string

const (
	PhaseInlet  Phase = "inlet"
	PhaseOutlet Phase = "outlet"
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// ExchangeEvent captures one metered phase of an exchange.
type ExchangeEvent struct {
	ExchangeID      string    `json:"exchange_id"`
	Timestamp       time.Time `json:"timestamp"`
	Phase           Phase     `json:"phase"`
	State           string    `json:"state"`
	PrincipalID     string    `json:"principal_id"`
	Model           string    `json:"model,omitempty"`
	MessageCount    int       `json:"message_count"`
	Sanitized       int       `json:"sanitized"`
	EstimatedTokens int       `json:"estimated_tokens,omitempty"`
	Balance         *float64  `json:"balance,omitempty"`
	InputTokens     int       `json:"input_tokens,omitempty"`
	OutputTokens    int       `json:"output_tokens,omitempty"`
	TotalCost       float64   `json:"total_cost,omitempty"`
	ElapsedMs       int64     `json:"elapsed_ms,omitempty"`
	LatencyMs       int64     `json:"accounting_latency_ms"`
	Delivery        string    `json:"delivery,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// InitEvent captures startup configuration without leaking secrets.
type InitEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Event          string    `json:"event"`
	Version        string    `json:"version,omitempty"`
	ServerPort     int       `json:"server_port"`
	APIEndpoint    string    `json:"api_endpoint"`
	HasAPIKey      bool      `json:"has_api_key"`
	APIKeyEnvLike  bool      `json:"api_key_env_like,omitempty"`
	Language       string    `json:"language"`
	Mode           string    `json:"mode"`
	SessionBackend string    `json:"session_backend"`
	LedgerEnabled  bool      `json:"ledger_enabled"`
	StrictOutlet   bool      `json:"strict_outlet"`
	Priority       int       `json:"priority"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, or empty for auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}
