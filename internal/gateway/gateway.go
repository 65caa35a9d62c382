// Package gateway exposes the usage meter to a host pipeline over HTTP.
//
// DESIGN: The host calls POST /filter/inlet before running the model and
// POST /filter/outlet afterwards, each with {"body": <exchange>, "user":
// <principal>}. Status-mode usage lines stream to the host over a websocket
// at /status/ws. Operational endpoints (/stats, /usage, /usage/dashboard)
// are restricted to loopback callers.
//
// FILES:
//   - gateway.go: Construction from config, routing, server lifecycle
//   - filter.go:  Inlet/outlet handlers and error mapping
//   - status.go:  Websocket status hub (a stats.Sink)
//   - ops.go:     Health, metrics and usage endpoints
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/config"
	"github.com/compresr/usage-monitor/internal/ledger"
	"github.com/compresr/usage-monitor/internal/meter"
	"github.com/compresr/usage-monitor/internal/monitoring"
	"github.com/compresr/usage-monitor/internal/sanitizer"
	"github.com/compresr/usage-monitor/internal/session"
	"github.com/compresr/usage-monitor/internal/stats"
	"github.com/compresr/usage-monitor/internal/tokens"
)

// Version is reported by /health and the init telemetry event.
var Version = "dev"

// Gateway is the HTTP host surface around a Meter.
type Gateway struct {
	cfg       *config.Config
	meter     *meter.Meter
	store     *session.Store
	hub       *StatusHub
	metrics   *monitoring.MetricsCollector
	telemetry *monitoring.Tracker
	ledger    *ledger.Ledger
	server    *http.Server
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		hub:     NewStatusHub(),
		metrics: monitoring.NewMetricsCollector(),
	}

	backend, err := newSessionBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.store = session.NewStore(backend)

	g.telemetry, err = monitoring.NewTracker(cfg.Telemetry)
	if err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	opts := []meter.Option{
		meter.WithSanitizer(sanitizer.New(cfg.SanitizerMarker())),
		meter.WithMetrics(g.metrics),
		meter.WithTelemetry(g.telemetry),
		meter.WithStrictOutlet(cfg.Meter.StrictOutlet),
	}

	if cfg.Ledger.Enabled {
		g.ledger, err = ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		opts = append(opts, meter.WithRecorder(g.ledger))
	}
	if cfg.Tokens.Estimate {
		est := tokens.NewEstimator()
		go est.Warm("")
		opts = append(opts, meter.WithTokenCounter(est))
	}

	client := accounting.NewClient(cfg.Accounting.APIEndpoint, cfg.Accounting.APIKey,
		accounting.WithTimeout(cfg.Accounting.Timeout),
		accounting.WithUserAgent("usage-monitor/"+Version))
	reporter := stats.NewReporter(cfg.StatsOptions(), g.hub)
	g.meter = meter.New(client, g.store, reporter, opts...)

	g.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g.telemetry.RecordInit(buildInitEvent(cfg))
	return g, nil
}

func newSessionBackend(ctx context.Context, cfg *config.Config) (session.Backend, error) {
	if cfg.Session.Backend == "redis" {
		r := cfg.Session.Redis
		backend, err := session.DialRedis(ctx, r.Addr, r.Password, r.DB, cfg.Session.TTL)
		if err != nil {
			return nil, fmt.Errorf("connecting session backend: %w", err)
		}
		return backend, nil
	}
	return session.NewMemoryBackend(cfg.Session.TTL), nil
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /filter/inlet", g.handleInlet)
	mux.HandleFunc("POST /filter/outlet", g.handleOutlet)
	mux.HandleFunc("GET /filter", g.handleFilterInfo)
	mux.HandleFunc("GET /status/ws", g.handleStatusWS)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /usage", g.handleUsage)
	mux.HandleFunc("GET /usage/dashboard", g.handleUsageDashboard)
	return mux
}

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.cfg.Addr()).
		Str("accounting", g.cfg.Accounting.APIEndpoint).
		Str("language", g.cfg.Display.Language).
		Str("mode", g.cfg.Display.Mode).
		Int("priority", g.cfg.Filter.Priority).
		Msg("usage monitor listening")

	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Shutdown stops the server and releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.hub.Close()
	if g.server != nil {
		errs = append(errs, g.server.Shutdown(ctx))
	}
	errs = append(errs, g.Close())
	return errors.Join(errs...)
}

// Close releases storage without touching the server.
func (g *Gateway) Close() error {
	var errs []error
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	if g.ledger != nil {
		errs = append(errs, g.ledger.Close())
	}
	if g.telemetry != nil {
		errs = append(errs, g.telemetry.Close())
	}
	return errors.Join(errs...)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errType, msg string, extra map[string]any) {
	body := map[string]any{"message": msg, "type": errType}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isLoopback reports whether the remote address is a loopback caller.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func buildInitEvent(cfg *config.Config) *monitoring.InitEvent {
	return &monitoring.InitEvent{
		Timestamp:      time.Now(),
		Event:          "usage_monitor_init",
		Version:        Version,
		ServerPort:     cfg.Server.Port,
		APIEndpoint:    cfg.Accounting.APIEndpoint,
		HasAPIKey:      cfg.Accounting.APIKey != "",
		Language:       cfg.Display.Language,
		Mode:           cfg.Display.Mode,
		SessionBackend: cfg.Session.Backend,
		LedgerEnabled:  cfg.Ledger.Enabled,
		StrictOutlet:   cfg.Meter.StrictOutlet,
		Priority:       cfg.Filter.Priority,
	}
}
