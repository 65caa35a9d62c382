// Package stats formats accounting results into a one-line usage summary and
// delivers it to the caller.
//
// FILES:
//   - reporter.go: Options, Reporter, delivery channels
//   - messages.go: Localized templates keyed by field name
//   - sink.go:     Optional asynchronous status channel
//
// DESIGN: Two delivery channels exist. Transcript mode appends the line to the
// last assistant message, prefixed with a language marker so a later inlet
// can strip it again. Status mode publishes it through a Sink; when no sink is
// present, or it reports ErrNoSubscriber, the reporter falls back to the
// transcript.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/exchange"
)

// Delimiter joins the fields of a usage line.
const Delimiter = " | "

// Mode selects the delivery channel.
type Mode string

const (
	ModeTranscript Mode = "transcript"
	ModeStatus     Mode = "status"
)

// Channel is where a line actually went.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelTranscript
	ChannelStatus
)

func (c Channel) String() string {
	switch c {
	case ChannelTranscript:
		return "transcript"
	case ChannelStatus:
		return "status"
	default:
		return "none"
	}
}

// Options controls which fields are shown and how.
type Options struct {
	Language         Language
	ShowTokens       bool
	ShowCost         bool
	ShowBalance      bool
	ShowTimeSpent    bool
	ShowTokensPerSec bool
	Mode             Mode
}

// DefaultOptions shows every field in English, in the transcript.
func DefaultOptions() Options {
	return Options{
		Language:         LangEN,
		ShowTokens:       true,
		ShowCost:         true,
		ShowBalance:      true,
		ShowTimeSpent:    true,
		ShowTokensPerSec: true,
		Mode:             ModeTranscript,
	}
}

// Reporter formats and delivers usage lines.
type Reporter struct {
	opts Options
	sink Sink
}

// NewReporter creates a reporter. sink may be nil.
func NewReporter(opts Options, sink Sink) *Reporter {
	if opts.Mode == "" {
		opts.Mode = ModeTranscript
	}
	opts.Language = ParseLanguage(string(opts.Language))
	return &Reporter{opts: opts, sink: sink}
}

// Options returns the effective options.
func (r *Reporter) Options() Options {
	return r.opts
}

// Marker is the token every delivered transcript line starts with.
func (r *Reporter) Marker() string {
	return T(r.opts.Language, KeyPrefix)
}

// Message returns a localized message.
func (r *Reporter) Message(key string, args ...any) string {
	return Tf(r.opts.Language, key, args...)
}

// =============================================================================
// Formatting
// =============================================================================

// Format renders the enabled fields joined by Delimiter. Time and speed are
// omitted when elapsed is not positive.
func (r *Reporter) Format(res *accounting.OutletResult, elapsed time.Duration) string {
	lang := r.opts.Language
	var fields []string

	if r.opts.ShowTokens {
		fields = append(fields, Tf(lang, KeyTokens, res.InputTokens, res.OutputTokens))
	}
	if r.opts.ShowCost {
		fields = append(fields, Tf(lang, KeyCost, res.TotalCost))
	}
	if r.opts.ShowBalance {
		fields = append(fields, Tf(lang, KeyBalance, res.NewBalance))
	}

	seconds := elapsed.Seconds()
	if seconds > 0 {
		if r.opts.ShowTimeSpent {
			fields = append(fields, Tf(lang, KeyTime, seconds))
		}
		if r.opts.ShowTokensPerSec {
			fields = append(fields, Tf(lang, KeySpeed, Throughput(res.OutputTokens, elapsed)))
		}
	}

	return strings.Join(fields, Delimiter)
}

// Throughput returns output tokens per second, or 0 when elapsed <= 0.
func Throughput(outputTokens int, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(outputTokens) / seconds
}

// =============================================================================
// Delivery
// =============================================================================

// Report formats res and delivers it. Nothing is delivered when every field
// is disabled.
func (r *Reporter) Report(ctx context.Context, ex *exchange.Exchange, principalID string, res *accounting.OutletResult, elapsed time.Duration) (Channel, error) {
	line := r.Format(res, elapsed)
	if line == "" {
		return ChannelNone, nil
	}
	return r.deliver(ctx, ex, principalID, line, LevelInfo)
}

// Notice delivers a localized message through the configured channel.
func (r *Reporter) Notice(ctx context.Context, ex *exchange.Exchange, principalID, key string, args ...any) (Channel, error) {
	return r.deliver(ctx, ex, principalID, r.Message(key, args...), LevelWarning)
}

// PublishError surfaces an accounting failure on the status channel only.
// It never touches the transcript. Returns false when no sink is present.
func (r *Reporter) PublishError(ctx context.Context, principalID string, cause error) (bool, error) {
	if r.sink == nil {
		return false, nil
	}
	ev := NewEvent(principalID, r.Message(KeyAccountingFailed, cause.Error()), LevelError)
	if err := r.sink.Publish(ctx, ev); err != nil {
		if errors.Is(err, ErrNoSubscriber) {
			return false, nil
		}
		return false, fmt.Errorf("publishing error status: %w", err)
	}
	return true, nil
}

func (r *Reporter) deliver(ctx context.Context, ex *exchange.Exchange, principalID, text string, level Level) (Channel, error) {
	if r.opts.Mode == ModeStatus && r.sink != nil {
		err := r.sink.Publish(ctx, NewEvent(principalID, text, level))
		if err == nil {
			return ChannelStatus, nil
		}
		if !errors.Is(err, ErrNoSubscriber) {
			return ChannelNone, fmt.Errorf("publishing status: %w", err)
		}
		log.Debug().Str("principal", principalID).Msg("stats: no status subscriber, appending to transcript")
	}

	appended, err := ex.AppendToLastAssistant("\n\n" + r.Marker() + " " + text)
	if err != nil {
		return ChannelNone, fmt.Errorf("appending usage line: %w", err)
	}
	if !appended {
		log.Debug().Str("exchange_id", ex.ID).Msg("stats: no assistant message to annotate")
		return ChannelNone, nil
	}
	return ChannelTranscript, nil
}
