package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/config"
)

// healthCheckID is a principal id that is never metered.
const healthCheckID = "__health__"

// handleHealth reports liveness and whether the session backend responds.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := g.store.Get(ctx, healthCheckID); err != nil {
		log.Warn().Err(err).Msg("health: session backend unavailable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":          status,
		"version":         Version,
		"session_backend": g.cfg.Session.Backend,
		"time":            time.Now().Format(time.RFC3339),
	})
}

// handleStats returns process-lifetime metering metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "forbidden", "stats endpoint is restricted to localhost", nil)
		return
	}
	writeJSON(w, http.StatusOK, g.metrics.FullStats())
}

// handleUsage returns the local ledger summary and per-principal totals.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "forbidden", "usage endpoint is restricted to localhost", nil)
		return
	}
	if g.ledger == nil {
		writeError(w, http.StatusNotFound, "ledger_disabled", "usage ledger is disabled", nil)
		return
	}

	summary, err := g.ledger.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_error", err.Error(), nil)
		return
	}
	totals, err := g.ledger.Totals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "principals": totals})
}

// handleUsageDashboard serves the HTML ledger dashboard.
func (g *Gateway) handleUsageDashboard(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "Forbidden: dashboard is restricted to localhost", http.StatusForbidden)
		return
	}
	if g.ledger == nil {
		http.Error(w, "usage ledger is disabled", http.StatusNotFound)
		return
	}

	recent := g.cfg.Ledger.Recent
	if recent <= 0 {
		recent = config.DefaultRecentRecords
	}
	g.ledger.DashboardHandler(recent)(w, r)
}
