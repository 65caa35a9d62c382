package accounting

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error taxonomy
// =============================================================================

// AuthError means the accounting service rejected the bearer credential (401).
// It is NOT fatal: callers continue without billing (degraded mode).
type AuthError struct {
	Endpoint   string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("accounting %s: unauthorized (status %d)", e.Endpoint, e.StatusCode)
}

// QuotaError means the service answered with success=false.
type QuotaError struct {
	Endpoint string
	Message  string
	Type     string
}

func (e *QuotaError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("accounting %s: %s (%s)", e.Endpoint, e.Message, e.Type)
	}
	return fmt.Sprintf("accounting %s: %s", e.Endpoint, e.Message)
}

// TransportError covers network failures (refused, DNS, TLS, timeout,
// cancellation) and unexpected HTTP statuses.
type TransportError struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("accounting %s: unexpected status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("accounting %s: request failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the response did not match the expected schema.
type ProtocolError struct {
	Endpoint string
	Err      error
	Body     string // truncated
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("accounting %s: invalid response: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsFatal reports whether err must abort the exchange.
// Everything except an auth rejection is fatal.
func IsFatal(err error) bool {
	return err != nil && !IsAuth(err)
}

// Kind returns a short machine-readable name for the error class.
func Kind(err error) string {
	var (
		ae *AuthError
		qe *QuotaError
		te *TransportError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return "auth_error"
	case errors.As(err, &qe):
		return "quota_error"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.As(err, &te):
		return "transport_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "transport_error"
	default:
		return "unknown_error"
	}
}
