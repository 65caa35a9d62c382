package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/config"
	"github.com/compresr/usage-monitor/internal/exchange"
	"github.com/compresr/usage-monitor/internal/meter"
)

// Error types returned in {"error":{"type":...}}.
const (
	errInvalidRequest      = "invalid_request"
	errInsufficientBalance = "insufficient_balance"
)

// hookFunc is Meter.Inlet or Meter.Outlet.
type hookFunc func(*http.Request, *exchange.Exchange, exchange.Principal) (*exchange.Exchange, error)

func (g *Gateway) handleInlet(w http.ResponseWriter, r *http.Request) {
	g.serveHook(w, r, "inlet", func(r *http.Request, ex *exchange.Exchange, p exchange.Principal) (*exchange.Exchange, error) {
		return g.meter.Inlet(r.Context(), ex, p)
	})
}

func (g *Gateway) handleOutlet(w http.ResponseWriter, r *http.Request) {
	g.serveHook(w, r, "outlet", func(r *http.Request, ex *exchange.Exchange, p exchange.Principal) (*exchange.Exchange, error) {
		return g.meter.Outlet(r.Context(), ex, p)
	})
}

// handleFilterInfo describes this filter to the host pipeline.
func (g *Gateway) handleFilterInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       "usage_monitor",
		"type":     "filter",
		"priority": g.cfg.Filter.Priority,
		"version":  Version,
	})
}

func (g *Gateway) serveHook(w http.ResponseWriter, r *http.Request, phase string, hook hookFunc) {
	ex, principal, err := readHookRequest(w, r)
	if err != nil {
		log.Debug().Err(err).Str("phase", phase).Msg("gateway: rejected hook request")
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error(), nil)
		return
	}

	out, err := hook(r, ex, principal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"body": out})

	case errors.Is(err, exchange.ErrMissingPrincipal):
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error(), nil)

	case meter.IsInsufficientBalance(err):
		var ib *meter.InsufficientBalanceError
		errors.As(err, &ib)
		writeError(w, http.StatusPaymentRequired, errInsufficientBalance, ib.Error(),
			map[string]any{"balance": ib.Balance})

	case out != nil:
		// Outlet failure with the answer preserved.
		writeJSON(w, http.StatusOK, map[string]any{
			"body": out,
			"accounting_error": map[string]any{
				"message": err.Error(),
				"type":    accounting.Kind(err),
			},
		})

	default:
		writeError(w, http.StatusBadGateway, accounting.Kind(err), err.Error(), nil)
	}
}

// readHookRequest decodes {"body": <exchange>, "user": <principal>}.
func readHookRequest(w http.ResponseWriter, r *http.Request) (*exchange.Exchange, exchange.Principal, error) {
	var principal exchange.Principal

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		return nil, principal, fmt.Errorf("reading request: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, principal, errors.New("request body is not valid JSON")
	}

	body := gjson.GetBytes(raw, "body")
	if !body.IsObject() {
		return nil, principal, errors.New(`missing "body" object`)
	}
	ex, err := exchange.New([]byte(body.Raw))
	if err != nil {
		return nil, principal, err
	}

	if user := gjson.GetBytes(raw, "user"); user.Exists() {
		if err := json.Unmarshal([]byte(user.Raw), &principal); err != nil {
			return nil, principal, err
		}
	}
	return ex, principal, nil
}
