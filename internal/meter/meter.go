// Package meter is the two-phase usage-metering interceptor.
//
// FILES:
//   - meter.go:  Meter, Inlet and Outlet hooks
//   - state.go:  Per-phase states
//   - errors.go: Fatal and insufficient-balance errors
//
// DESIGN: Inlet runs before execution and decides whether the exchange may
// proceed; Outlet runs after execution and bills it. The two phases share
// nothing but the per-principal session store:
//   - balance <= 0 at inlet records an outage, and the outlet skips billing
//   - a 401 at inlet records degraded mode, and the outlet skips billing
//   - a successful inlet clears both flags and records the start time
//
// Post-flight failures keep the produced answer by default: the exchange is
// returned together with a *FatalError and an error status event is
// published. WithStrictOutlet restores the drop-the-answer behavior.
package meter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/exchange"
	"github.com/compresr/usage-monitor/internal/ledger"
	"github.com/compresr/usage-monitor/internal/monitoring"
	"github.com/compresr/usage-monitor/internal/sanitizer"
	"github.com/compresr/usage-monitor/internal/session"
	"github.com/compresr/usage-monitor/internal/stats"
	"github.com/compresr/usage-monitor/internal/tokens"
)

// Accountant is the accounting service. *accounting.Client implements it.
type Accountant interface {
	Inlet(ctx context.Context, principal exchange.Principal, ex *exchange.Exchange) (*accounting.InletResult, error)
	Outlet(ctx context.Context, principal exchange.Principal, ex *exchange.Exchange) (*accounting.OutletResult, error)
}

// Recorder persists billed exchanges. *ledger.Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, r ledger.Record) error
}

// Meter orchestrates pre-flight and post-flight accounting.
type Meter struct {
	client    Accountant
	store     *session.Store
	reporter  *stats.Reporter
	sanitizer *sanitizer.Sanitizer

	metrics      *monitoring.MetricsCollector
	telemetry    *monitoring.Tracker
	recorder     Recorder
	counter      tokens.Counter
	strictOutlet bool
	now          func() time.Time
}

// Option configures the Meter.
type Option func(*Meter)

// WithSanitizer overrides the default sanitizer, which strips the reporter's marker.
func WithSanitizer(s *sanitizer.Sanitizer) Option {
	return func(m *Meter) { m.sanitizer = s }
}

// WithMetrics counts every transition.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(m *Meter) { m.metrics = mc }
}

// WithTelemetry writes an ExchangeEvent per phase.
func WithTelemetry(t *monitoring.Tracker) Option {
	return func(m *Meter) { m.telemetry = t }
}

// WithRecorder persists every billed exchange.
func WithRecorder(r Recorder) Option {
	return func(m *Meter) { m.recorder = r }
}

// WithTokenCounter adds prompt estimates to inlet telemetry.
func WithTokenCounter(c tokens.Counter) Option {
	return func(m *Meter) { m.counter = c }
}

// WithStrictOutlet drops the exchange when post-flight accounting fails.
func WithStrictOutlet(strict bool) Option {
	return func(m *Meter) { m.strictOutlet = strict }
}

// New creates a Meter.
func New(client Accountant, store *session.Store, reporter *stats.Reporter, opts ...Option) *Meter {
	m := &Meter{
		client:   client,
		store:    store,
		reporter: reporter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sanitizer == nil {
		m.sanitizer = sanitizer.New(reporter.Marker())
	}
	return m
}

// Reporter returns the stats reporter.
func (m *Meter) Reporter() *stats.Reporter {
	return m.reporter
}

// =============================================================================
// Inlet
// =============================================================================

// Inlet is the pre-call hook. It returns the sanitized exchange when the
// principal may proceed, or an error the host must treat as a rejected
// request: *InsufficientBalanceError or *FatalError.
func (m *Meter) Inlet(ctx context.Context, ex *exchange.Exchange, principal exchange.Principal) (*exchange.Exchange, error) {
	out, _, err := m.inlet(ctx, ex, principal)
	return out, err
}

func (m *Meter) inlet(ctx context.Context, ex *exchange.Exchange, principal exchange.Principal) (*exchange.Exchange, State, error) {
	if err := principal.Validate(); err != nil {
		return nil, PreflightFailed, err
	}

	ev := m.newEvent(ex, principal, monitoring.PhaseInlet)

	sanitized, err := m.sanitizer.Apply(ex)
	if err != nil {
		return nil, m.finish(ev, PreflightFailed, err), &FatalError{Phase: monitoring.PhaseInlet, Err: err}
	}
	ev.Sanitized = sanitized
	if m.counter != nil {
		ev.EstimatedTokens = tokens.CountExchange(m.counter, ex)
	}

	start := m.now()
	res, err := m.client.Inlet(ctx, principal, ex)
	ev.LatencyMs = m.now().Sub(start).Milliseconds()

	// A cancelled call never clears the principal, whatever it returned.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			err = ctxErr
		}
		return nil, m.finish(ev, PreflightFailed, err), &FatalError{Phase: monitoring.PhaseInlet, Err: err}
	}

	if err != nil {
		if !accounting.IsFatal(err) {
			if serr := m.store.SetDegraded(ctx, principal.ID, true); serr != nil {
				log.Warn().Err(serr).Str("principal", principal.ID).Msg("meter: failed to record degraded mode")
			}
			log.Warn().Err(err).Str("principal", principal.ID).Msg("meter: accounting rejected credential, skipping billing")
			return ex, m.finish(ev, PreflightDegraded, err), nil
		}
		return nil, m.finish(ev, PreflightFailed, err), &FatalError{Phase: monitoring.PhaseInlet, Err: err}
	}

	balance := res.Balance
	ev.Balance = &balance

	if balance <= 0 {
		if serr := m.store.SetOutage(ctx, principal.ID, true); serr != nil {
			log.Warn().Err(serr).Str("principal", principal.ID).Msg("meter: failed to record outage")
		}
		blocked := &InsufficientBalanceError{
			Balance: balance,
			Message: m.reporter.Message(stats.KeyInsufficientBalance, balance),
		}
		return nil, m.finish(ev, PreflightBlocked, blocked), blocked
	}

	if serr := m.store.Clear(ctx, principal.ID); serr != nil {
		log.Warn().Err(serr).Str("principal", principal.ID).Msg("meter: failed to record pre-flight")
	}
	if serr := m.store.SetStartTime(ctx, principal.ID, m.now()); serr != nil {
		log.Warn().Err(serr).Str("principal", principal.ID).Msg("meter: failed to record start time")
	}
	return ex, m.finish(ev, PreflightOK, nil), nil
}

// =============================================================================
// Outlet
// =============================================================================

// Outlet is the post-call hook. On success the usage line has been delivered.
// When billing fails the exchange is still returned (nil in strict mode)
// together with a *FatalError.
func (m *Meter) Outlet(ctx context.Context, ex *exchange.Exchange, principal exchange.Principal) (*exchange.Exchange, error) {
	out, _, err := m.outlet(ctx, ex, principal)
	return out, err
}

func (m *Meter) outlet(ctx context.Context, ex *exchange.Exchange, principal exchange.Principal) (*exchange.Exchange, State, error) {
	if err := principal.Validate(); err != nil {
		return nil, PostflightFailed, err
	}

	ev := m.newEvent(ex, principal, monitoring.PhaseOutlet)

	st, _, err := m.store.Get(ctx, principal.ID)
	if err != nil {
		log.Warn().Err(err).Str("principal", principal.ID).Msg("meter: session lookup failed, billing anyway")
	}
	if st.Outage || st.Degraded {
		return ex, m.finish(ev, PostflightSkipped, nil), nil
	}

	sanitized, err := m.sanitizer.Apply(ex)
	if err != nil {
		return m.failOutlet(ctx, ex, principal, ev, err)
	}
	ev.Sanitized = sanitized

	elapsed, timed, err := m.store.Elapsed(ctx, principal.ID)
	if err != nil {
		log.Debug().Err(err).Str("principal", principal.ID).Msg("meter: start time unavailable")
	}
	if timed {
		ev.ElapsedMs = elapsed.Milliseconds()
	}

	start := m.now()
	res, err := m.client.Outlet(ctx, principal, ex)
	ev.LatencyMs = m.now().Sub(start).Milliseconds()

	if err != nil {
		if accounting.IsAuth(err) {
			m.endSession(ctx, principal.ID)
			ch, nerr := m.reporter.Notice(ctx, ex, principal.ID, stats.KeyDegraded)
			if nerr != nil {
				log.Warn().Err(nerr).Str("principal", principal.ID).Msg("meter: failed to deliver degraded notice")
			}
			ev.Delivery = ch.String()
			return ex, m.finish(ev, PostflightDegraded, err), nil
		}
		return m.failOutlet(ctx, ex, principal, ev, err)
	}

	ev.InputTokens = res.InputTokens
	ev.OutputTokens = res.OutputTokens
	ev.TotalCost = res.TotalCost
	balance := res.NewBalance
	ev.Balance = &balance

	ch, err := m.reporter.Report(ctx, ex, principal.ID, res, elapsed)
	if err != nil {
		log.Warn().Err(err).Str("principal", principal.ID).Msg("meter: failed to deliver usage line")
	}
	ev.Delivery = ch.String()

	if m.metrics != nil {
		m.metrics.RecordUsage(res.InputTokens, res.OutputTokens, res.TotalCost)
	}
	if m.recorder != nil {
		rec := ledger.Record{
			ExchangeID:   ex.ID,
			PrincipalID:  principal.ID,
			Model:        ex.Model(),
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			TotalCost:    res.TotalCost,
			Balance:      res.NewBalance,
			Elapsed:      elapsed,
		}
		if err := m.recorder.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Str("principal", principal.ID).Msg("meter: failed to record usage")
		}
	}

	m.endSession(ctx, principal.ID)
	return ex, m.finish(ev, PostflightOK, nil), nil
}

func (m *Meter) failOutlet(ctx context.Context, ex *exchange.Exchange, principal exchange.Principal, ev *monitoring.ExchangeEvent, cause error) (*exchange.Exchange, State, error) {
	fatal := &FatalError{Phase: monitoring.PhaseOutlet, Err: cause}
	m.endSession(ctx, principal.ID)

	published, err := m.reporter.PublishError(ctx, principal.ID, fatal)
	if err != nil {
		log.Warn().Err(err).Str("principal", principal.ID).Msg("meter: failed to publish accounting failure")
	}
	if published {
		ev.Delivery = stats.ChannelStatus.String()
	}

	state := m.finish(ev, PostflightFailed, cause)
	if m.strictOutlet {
		return nil, state, fatal
	}
	return ex, state, fatal
}

func (m *Meter) endSession(ctx context.Context, id string) {
	if err := m.store.Finish(ctx, id); err != nil {
		log.Debug().Err(err).Str("principal", id).Msg("meter: failed to evict session")
	}
}

// =============================================================================
// Observability
// =============================================================================

func (m *Meter) newEvent(ex *exchange.Exchange, principal exchange.Principal, phase monitoring.Phase) *monitoring.ExchangeEvent {
	return &monitoring.ExchangeEvent{
		ExchangeID:   ex.ID,
		Timestamp:    m.now(),
		Phase:        phase,
		PrincipalID:  principal.ID,
		Model:        ex.Model(),
		MessageCount: len(ex.Messages()),
	}
}

// finish logs, counts and records the transition, then returns state.
func (m *Meter) finish(ev *monitoring.ExchangeEvent, state State, cause error) State {
	ev.State = state.String()
	if cause != nil {
		ev.ErrorKind = accounting.Kind(cause)
		if IsInsufficientBalance(cause) {
			ev.ErrorKind = "insufficient_balance"
		}
		ev.Error = cause.Error()
	}

	logEvent := log.Debug()
	switch state {
	case PreflightFailed, PostflightFailed:
		logEvent = log.Error().Err(cause)
	case PreflightBlocked, PreflightDegraded, PostflightDegraded:
		logEvent = log.Info()
	}
	logEvent.
		Str("exchange_id", ev.ExchangeID).
		Str("principal", ev.PrincipalID).
		Str("phase", string(ev.Phase)).
		Str("state", ev.State).
		Int64("latency_ms", ev.LatencyMs).
		Msg("meter: transition")

	if m.metrics != nil {
		m.metrics.RecordPhase(ev.Phase, ev.State, time.Duration(ev.LatencyMs)*time.Millisecond)
	}
	m.telemetry.RecordExchange(ev)
	return state
}
