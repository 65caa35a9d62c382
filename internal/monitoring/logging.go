package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// SetupLogging configures the global zerolog logger. It returns a closer for
// file outputs (a no-op otherwise). A nil out selects cfg.Output.
func SetupLogging(cfg LoggerConfig, out io.Writer) (func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)

	closer := func() error { return nil }
	isTTY := false
	if out == nil {
		switch strings.ToLower(cfg.Output) {
		case "", "stdout":
			out = os.Stdout
			isTTY = term.IsTerminal(int(os.Stdout.Fd()))
		case "stderr":
			out = os.Stderr
			isTTY = term.IsTerminal(int(os.Stderr.Fd()))
		default:
			if err := os.MkdirAll(filepath.Dir(cfg.Output), 0750); err != nil {
				return nil, fmt.Errorf("creating log directory: %w", err)
			}
			// #nosec G304 -- path comes from operator configuration
			f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("opening log file: %w", err)
			}
			out = f
			closer = f.Close
		}
	}

	if useConsole(cfg.Format, isTTY) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func useConsole(format string, isTTY bool) bool {
	switch strings.ToLower(format) {
	case "console":
		return true
	case "json":
		return false
	default:
		return isTTY
	}
}
