package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/compresr/usage-monitor/internal/gateway"
	"github.com/compresr/usage-monitor/internal/monitoring"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var (
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metering filter server",
		Long:  "Serve the inlet/outlet filter endpoints, the status websocket and the local usage dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			closeLog, err := monitoring.SetupLogging(cfg.Logging, nil)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			if isPortInUse(cfg.Addr()) {
				return fmt.Errorf("address %s is already in use", cfg.Addr())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := gateway.New(ctx, cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- g.Start() }()

			select {
			case err := <-errCh:
				_ = g.Close()
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := g.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

// isPortInUse checks if a TCP address is already bound.
func isPortInUse(addr string) bool {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}
