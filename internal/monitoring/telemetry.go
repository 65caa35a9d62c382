// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per line):
//   - ExchangeEvent: Every metered inlet and outlet
//   - InitEvent:     Startup configuration, in a sibling init.jsonl
//
// Events are appended to files immediately after each event for real-time logging.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config        TelemetryConfig
	eventLogPath  string
	initLogPath   string
	exchangeCount int
	mu            sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	// Store paths and ensure directories exist, create empty files
	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
		t.eventLogPath = cfg.LogPath
		t.initLogPath = filepath.Join(filepath.Dir(cfg.LogPath), "init.jsonl")
		for _, p := range []string{t.eventLogPath, t.initLogPath} {
			if _, err := os.Stat(p); os.IsNotExist(err) {
				if f, err := os.Create(p); err == nil {
					_ = f.Close()
				}
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordExchange records one metered phase.
func (t *Tracker) RecordExchange(event *ExchangeEvent) {
	if t == nil || !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Log summary to stdout if enabled
	if t.config.LogToStdout {
		id := event.ExchangeID
		if len(id) > 8 {
			id = id[:8]
		}
		log.Info().
			Str("exchange_id", id).
			Str("phase", string(event.Phase)).
			Str("state", event.State).
			Str("principal", event.PrincipalID).
			Float64("cost", event.TotalCost).
			Msg("telemetry")
	}

	if t.eventLogPath != "" {
		if err := appendJSONL(t.eventLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.eventLogPath).Msg("telemetry: failed to write exchange event")
		} else {
			t.exchangeCount++
		}
	}
}

// RecordInit records a startup event to a dedicated init JSONL.
func (t *Tracker) RecordInit(event *InitEvent) {
	if t == nil || !t.config.Enabled || t.initLogPath == "" || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.initLogPath, event); err != nil {
		log.Error().Err(err).Str("path", t.initLogPath).Msg("telemetry: failed to write init event")
	}
}

// Count returns how many exchange events were written.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exchangeCount
}

// Close logs a summary of recorded events.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.eventLogPath != "" && t.exchangeCount > 0 {
		log.Info().
			Str("path", t.eventLogPath).
			Int("events", t.exchangeCount).
			Msg("telemetry: session complete")
	}

	return nil
}
