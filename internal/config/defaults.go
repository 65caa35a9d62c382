// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when exact counts aren't available.
const TokenEstimateRatio = 4

// =============================================================================
// ACCOUNTING
// =============================================================================

// DefaultAccountingTimeout bounds one accounting call.
const DefaultAccountingTimeout = 5 * time.Second

// =============================================================================
// FILTER
// =============================================================================

// DefaultPriority is the hook ordering hint reported to the host.
const DefaultPriority = 5

// DefaultLanguage is the display language for usage lines.
const DefaultLanguage = "en"

// DefaultMode delivers usage lines into the transcript.
const DefaultMode = "transcript"

// =============================================================================
// SESSION STORE
// =============================================================================

// DefaultSessionTTL is how long an abandoned session entry survives.
const DefaultSessionTTL = 30 * time.Minute

// DefaultSessionBackend keeps session state in process.
const DefaultSessionBackend = "memory"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the filter server port.
const DefaultPort = 18090

// MaxRequestBodySize is the maximum allowed filter request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultServerReadTimeout for the filter server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the filter server.
const DefaultServerWriteTimeout = 60 * time.Second

// =============================================================================
// LEDGER AND TELEMETRY
// =============================================================================

// DefaultLedgerPath is the SQLite usage ledger location.
const DefaultLedgerPath = "data/usage.db"

// DefaultTelemetryPath is the JSONL telemetry location.
const DefaultTelemetryPath = "logs/telemetry.jsonl"

// DefaultRecentRecords is how many ledger rows the dashboard shows.
const DefaultRecentRecords = 50
