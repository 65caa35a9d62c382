// Package accounting provides a client for the external accounting service
// that owns principal balances.
//
// FILES:
//   - client.go: API client and HTTP helper
//   - types.go:  Endpoints and request/response types
//   - errors.go: Typed error taxonomy (auth, quota, transport, protocol)
//
// DESIGN: Every call is attempted exactly once under its own timeout. The
// 401-vs-everything-else distinction is made here, at the HTTP call site, and
// surfaced as a typed error so callers never inspect error strings.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/usage-monitor/internal/exchange"
	"github.com/compresr/usage-monitor/internal/utils"
)

// DefaultTimeout bounds a single accounting call.
const DefaultTimeout = 5 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// maxErrorBody limits response text carried in errors and logs.
const maxErrorBody = 500

// =============================================================================
// Client
// =============================================================================

// Client is the accounting service client.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		if timeout > 0 {
			client.timeout = timeout
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// NewClient creates a new accounting client for the given base URL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  "usage-monitor/1.0",
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// API Methods
// =============================================================================

// Inlet performs the pre-flight balance check.
func (c *Client) Inlet(ctx context.Context, principal exchange.Principal, ex *exchange.Exchange) (*InletResult, error) {
	var res InletResult
	if err := c.call(ctx, InletPath, principal, ex, inletRequired, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Outlet performs the post-flight cost computation.
func (c *Client) Outlet(ctx context.Context, principal exchange.Principal, ex *exchange.Exchange) (*OutletResult, error) {
	var res OutletResult
	if err := c.call(ctx, OutletPath, principal, ex, outletRequired, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// HTTP Helper
// =============================================================================

func (c *Client) call(ctx context.Context, path string, principal exchange.Principal, ex *exchange.Exchange, required []string, result any) error {
	payload, err := utils.MarshalNoEscape(requestPayload{User: principal, Body: ex})
	if err != nil {
		return &ProtocolError{Endpoint: path, Err: fmt.Errorf("marshaling payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Endpoint: path, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Endpoint: path, Err: fmt.Errorf("reading response: %w", err)}
	}

	log.Debug().
		Str("endpoint", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("api_key", utils.MaskKey(c.apiKey)).
		Msg("accounting: response received")

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Endpoint: path, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Err:        errors.New(utils.Truncate(string(body), maxErrorBody)),
		}
	}

	return decode(path, body, required, result)
}

// decode validates the response shape with gjson before unmarshaling.
func decode(path string, body []byte, required []string, result any) error {
	if !gjson.ValidBytes(body) {
		return &ProtocolError{Endpoint: path, Err: errors.New("body is not valid JSON"), Body: utils.Truncate(string(body), maxErrorBody)}
	}

	parsed := gjson.ParseBytes(body)
	success := parsed.Get("success")
	if success.Type != gjson.True && success.Type != gjson.False {
		return &ProtocolError{Endpoint: path, Err: errors.New(`missing boolean "success" field`), Body: utils.Truncate(string(body), maxErrorBody)}
	}

	if !success.Bool() {
		msg := parsed.Get("error").String()
		if msg == "" {
			msg = "request rejected"
		}
		return &QuotaError{Endpoint: path, Message: msg, Type: parsed.Get("error_type").String()}
	}

	for _, field := range required {
		if parsed.Get(field).Type != gjson.Number {
			return &ProtocolError{Endpoint: path, Err: fmt.Errorf("missing numeric %q field", field), Body: utils.Truncate(string(body), maxErrorBody)}
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return &ProtocolError{Endpoint: path, Err: fmt.Errorf("parsing response: %w", err), Body: utils.Truncate(string(body), maxErrorBody)}
	}
	return nil
}
