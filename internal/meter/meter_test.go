package meter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/exchange"
	"github.com/compresr/usage-monitor/internal/ledger"
	"github.com/compresr/usage-monitor/internal/monitoring"
	"github.com/compresr/usage-monitor/internal/session"
	"github.com/compresr/usage-monitor/internal/stats"
	"github.com/compresr/usage-monitor/internal/tokens"
)

// =============================================================================
// Fakes
// =============================================================================

type reply struct {
	status int
	body   string
}

// fakeService is an accounting service whose answers depend on the user id.
type fakeService struct {
	mu          sync.Mutex
	inlet       func(user string) reply
	outlet      func(user string) reply
	inletCalls  map[string]int
	outletCalls map[string]int
	bodies      []string
}

func fixed(status int, body string) func(string) reply {
	return func(string) reply { return reply{status, body} }
}

func newFakeService(inlet, outlet func(string) reply) *fakeService {
	return &fakeService{
		inlet:       inlet,
		outlet:      outlet,
		inletCalls:  make(map[string]int),
		outletCalls: make(map[string]int),
	}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	user := gjson.GetBytes(raw, "user.id").String()

	f.mu.Lock()
	f.bodies = append(f.bodies, string(raw))
	var rep reply
	switch r.URL.Path {
	case accounting.InletPath:
		f.inletCalls[user]++
		rep = f.inlet(user)
	case accounting.OutletPath:
		f.outletCalls[user]++
		rep = f.outlet(user)
	default:
		rep = reply{http.StatusNotFound, ""}
	}
	f.mu.Unlock()

	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (f *fakeService) calls(path, user string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == accounting.InletPath {
		return f.inletCalls[user]
	}
	return f.outletCalls[user]
}

func (f *fakeService) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []stats.Event
}

func (s *recordingSink) Publish(_ context.Context, ev stats.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type memoryRecorder struct {
	records []ledger.Record
}

func (r *memoryRecorder) Record(_ context.Context, rec ledger.Record) error {
	r.records = append(r.records, rec)
	return nil
}

// fakeClock is shared by the meter and its store so elapsed time is exact.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	meter   *Meter
	store   *session.Store
	clock   *fakeClock
	service *fakeService
}

func newHarness(t *testing.T, svc *fakeService, opts stats.Options, sink stats.Sink, meterOpts ...Option) *harness {
	t.Helper()
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)

	clock := newFakeClock()
	store := session.NewStore(session.NewMemoryBackend(time.Hour), session.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })

	client := accounting.NewClient(server.URL, "sk-test", accounting.WithTimeout(2*time.Second))
	m := New(client, store, stats.NewReporter(opts, sink), meterOpts...)
	m.now = clock.Now
	return &harness{meter: m, store: store, clock: clock, service: svc}
}

const okOutlet = `{"success":true,"inputTokens":120,"outputTokens":80,"totalCost":0.05,"newBalance":9.95}`

const conversation = `{"model":"gpt-4o","messages":[` +
	`{"role":"user","content":"hello"},` +
	`{"role":"assistant","content":"hi\n\n[usage] Tokens: 1 + 2 | Cost: 0.0001"},` +
	`{"role":"user","content":"how are you?"},` +
	`{"role":"assistant","content":"fine"}]}`

func newExchange(t *testing.T, body string) *exchange.Exchange {
	t.Helper()
	ex, err := exchange.New([]byte(body))
	require.NoError(t, err)
	return ex
}

func principal(id string) exchange.Principal {
	return exchange.Principal{ID: id, Attributes: map[string]any{"name": id}}
}

// =============================================================================
// Pre-flight
// =============================================================================

func TestInlet_ZeroBalanceBlocksAndOutletIsNoop(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":0}`), fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)
	ctx := context.Background()

	out, state, err := h.meter.inlet(ctx, newExchange(t, conversation), principal("alice"))
	assert.Nil(t, out)
	assert.Equal(t, PreflightBlocked, state)

	var ib *InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Zero(t, ib.Balance)
	assert.Contains(t, ib.Error(), "0.0000")

	outage, err := h.store.Outage(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, outage)

	ex := newExchange(t, conversation)
	before := string(ex.Bytes())
	out, state, err = h.meter.outlet(ctx, ex, principal("alice"))
	require.NoError(t, err)
	assert.Equal(t, PostflightSkipped, state)
	assert.Equal(t, before, string(out.Bytes()))
	assert.Zero(t, svc.calls(accounting.OutletPath, "alice"))
}

func TestInlet_NegativeBalanceIsLocalized(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":-1}`), fixed(200, okOutlet))
	opts := stats.DefaultOptions()
	opts.Language = stats.LangZH
	h := newHarness(t, svc, opts, nil)

	_, err := h.meter.Inlet(context.Background(), newExchange(t, conversation), principal("banned"))
	require.True(t, IsInsufficientBalance(err))
	assert.Equal(t, "您的余额 `-1.0000` 已用尽，请联系管理员。", err.Error())
}

func TestUnauthorized_PassesThroughBothPhases(t *testing.T) {
	svc := newFakeService(fixed(401, `{"error":"bad key"}`), fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)
	ctx := context.Background()

	ex := newExchange(t, `{"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`)
	before := string(ex.Bytes())

	out, state, err := h.meter.inlet(ctx, ex, principal("bob"))
	require.NoError(t, err)
	assert.Equal(t, PreflightDegraded, state)
	assert.Equal(t, before, string(out.Bytes()))

	out, state, err = h.meter.outlet(ctx, out, principal("bob"))
	require.NoError(t, err)
	assert.Equal(t, PostflightSkipped, state)
	assert.Equal(t, before, string(out.Bytes()))
	assert.Zero(t, svc.calls(accounting.OutletPath, "bob"))
}

func TestInlet_FatalErrors(t *testing.T) {
	tests := []struct {
		name string
		rep  reply
		kind string
	}{
		{"quota", reply{200, `{"success":false,"error":"disabled","error_type":"USER_DISABLED"}`}, "quota_error"},
		{"server error", reply{500, `boom`}, "transport_error"},
		{"garbage", reply{200, `not json`}, "protocol_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(fixed(tt.rep.status, tt.rep.body), fixed(200, okOutlet))
			h := newHarness(t, svc, stats.DefaultOptions(), nil)

			out, state, err := h.meter.inlet(context.Background(), newExchange(t, conversation), principal("carol"))
			assert.Nil(t, out)
			assert.Equal(t, PreflightFailed, state)

			var fe *FatalError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, monitoring.PhaseInlet, fe.Phase)
			assert.Equal(t, tt.kind, accounting.Kind(err))

			_, found, err := h.store.Get(context.Background(), "carol")
			require.NoError(t, err)
			assert.False(t, found, "failed pre-flight records nothing")
		})
	}
}

func TestInlet_SuccessSanitizesAndRecordsStart(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":5}`), fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)
	ctx := context.Background()

	require.NoError(t, h.store.SetOutage(ctx, "dave", true))

	out, state, err := h.meter.inlet(ctx, newExchange(t, conversation), principal("dave"))
	require.NoError(t, err)
	assert.Equal(t, PreflightOK, state)
	assert.Equal(t, "hi", out.Messages()[1].Content)
	assert.NotContains(t, h.service.lastBody(), "[usage]", "usage lines never reach the accounting payload")

	st, found, err := h.store.Get(ctx, "dave")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, st.Outage, "successful pre-flight clears a previous outage")
	assert.True(t, st.StartedAt.Equal(h.clock.Now()), "start recorded through the store")
}

func TestInlet_CancelledNeverClears(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	store := session.NewStore(session.NewMemoryBackend(time.Hour))
	defer store.Close()
	m := New(accounting.NewClient(server.URL, "k"), store, stats.NewReporter(stats.DefaultOptions(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.SetOutage(ctx, "erin", true))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, state, err := m.inlet(ctx, newExchange(t, conversation), principal("erin"))
	assert.Equal(t, PreflightFailed, state)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "transport_error", accounting.Kind(err))

	outage, err := store.Outage(context.Background(), "erin")
	require.NoError(t, err)
	assert.True(t, outage, "cancelled pre-flight must not clear the principal")
}

func TestInlet_MissingPrincipal(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":5}`), fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)

	_, err := h.meter.Inlet(context.Background(), newExchange(t, conversation), exchange.Principal{})
	assert.ErrorIs(t, err, exchange.ErrMissingPrincipal)
	_, err = h.meter.Outlet(context.Background(), newExchange(t, conversation), exchange.Principal{})
	assert.ErrorIs(t, err, exchange.ErrMissingPrincipal)
}

// =============================================================================
// Post-flight
// =============================================================================

func TestOutlet_SuccessAppendsStats(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(200, okOutlet))
	recorder := &memoryRecorder{}
	metrics := monitoring.NewMetricsCollector()
	h := newHarness(t, svc, stats.DefaultOptions(), nil, WithRecorder(recorder), WithMetrics(metrics))
	ctx := context.Background()

	_, err := h.meter.Inlet(ctx, newExchange(t, conversation), principal("frank"))
	require.NoError(t, err)

	h.clock.Advance(4 * time.Second)
	out, state, err := h.meter.outlet(ctx, newExchange(t, conversation), principal("frank"))
	require.NoError(t, err)
	assert.Equal(t, PostflightOK, state)

	msgs := out.Messages()
	assert.Equal(t, "hi", msgs[1].Content, "history was sanitized")
	assert.Equal(t, "fine\n\n[usage] Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500 | Time: 4.00s | Speed: 20.00 tokens/s", msgs[3].Content)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "frank", recorder.records[0].PrincipalID)
	assert.Equal(t, "gpt-4o", recorder.records[0].Model)
	assert.Equal(t, 4*time.Second, recorder.records[0].Elapsed)
	assert.Equal(t, int64(1), metrics.StateCount("postflight_ok"))
	assert.Equal(t, int64(80), metrics.FullStats().Usage.OutputTokens)

	_, found, err := h.store.Get(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, found, "session is evicted after the outlet")
}

func TestOutlet_WithoutInletStillBills(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)

	out, state, err := h.meter.outlet(context.Background(), newExchange(t, conversation), principal("gina"))
	require.NoError(t, err)
	assert.Equal(t, PostflightOK, state)
	assert.True(t, strings.HasSuffix(out.Messages()[3].Content, "Balance: 9.9500"), "no elapsed time, no time or speed fields")
}

func TestOutlet_QuotaErrorAppendsNothing(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(200, `{"success":false,"error":"x","error_type":"Y"}`))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)
	ctx := context.Background()

	ex := newExchange(t, `{"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"answer"}]}`)
	before := string(ex.Bytes())

	out, state, err := h.meter.outlet(ctx, ex, principal("hank"))
	assert.Equal(t, PostflightFailed, state)

	var qe *accounting.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "x", qe.Message)
	assert.Equal(t, "Y", qe.Type)
	var fe *FatalError
	assert.ErrorAs(t, err, &fe)

	require.NotNil(t, out, "the produced answer is preserved")
	assert.Equal(t, before, string(out.Bytes()))
}

func TestOutlet_StrictDropsAnswer(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(502, `bad gateway`))
	h := newHarness(t, svc, stats.DefaultOptions(), nil, WithStrictOutlet(true))

	out, err := h.meter.Outlet(context.Background(), newExchange(t, conversation), principal("ivy"))
	assert.Nil(t, out)
	assert.Equal(t, "transport_error", accounting.Kind(err))
}

func TestOutlet_FailurePublishesStatusEvent(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(200, `{"success":true}`))
	sink := &recordingSink{}
	h := newHarness(t, svc, stats.DefaultOptions(), sink)

	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)
	_, err := h.meter.Outlet(context.Background(), ex, principal("jack"))
	assert.Equal(t, "protocol_error", accounting.Kind(err))
	assert.Equal(t, "answer", ex.Messages()[0].Content, "failure is never merged into the transcript")

	require.Len(t, sink.events, 1)
	assert.Equal(t, stats.LevelError, sink.events[0].Data.Level)
	assert.Equal(t, "jack", sink.events[0].Principal)
	assert.Contains(t, sink.events[0].Data.Description, "Usage accounting failed")
}

func TestOutlet_UnauthorizedAppendsNotice(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(401, ``))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)

	out, state, err := h.meter.outlet(context.Background(), newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`), principal("kim"))
	require.NoError(t, err)
	assert.Equal(t, PostflightDegraded, state)
	assert.Equal(t, "answer\n\n[usage] Usage accounting is unavailable for this credential; this exchange was not billed.", out.Messages()[0].Content)
}

func TestOutlet_StatusModeLeavesTranscript(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":10}`), fixed(200, okOutlet))
	sink := &recordingSink{}
	opts := stats.DefaultOptions()
	opts.Mode = stats.ModeStatus
	h := newHarness(t, svc, opts, sink)

	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)
	_, err := h.meter.Outlet(context.Background(), ex, principal("lee"))
	require.NoError(t, err)
	assert.Equal(t, "answer", ex.Messages()[0].Content)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500", sink.events[0].Data.Description)
}

// =============================================================================
// Isolation
// =============================================================================

func TestPrincipalsDoNotInterfere(t *testing.T) {
	inlet := func(user string) reply {
		if user == "poor" {
			return reply{200, `{"success":true,"balance":0}`}
		}
		return reply{200, `{"success":true,"balance":50}`}
	}
	svc := newFakeService(inlet, fixed(200, okOutlet))
	h := newHarness(t, svc, stats.DefaultOptions(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(map[string]error)
	var mu sync.Mutex
	for _, id := range []string{"poor", "rich"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, inErr := h.meter.Inlet(ctx, newExchange(t, conversation), principal(id))
			_, outErr := h.meter.Outlet(ctx, newExchange(t, conversation), principal(id))
			mu.Lock()
			errs[id] = errors.Join(inErr, outErr)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.True(t, IsInsufficientBalance(errs["poor"]))
	assert.NoError(t, errs["rich"])
	assert.Zero(t, svc.calls(accounting.OutletPath, "poor"))
	assert.Equal(t, 1, svc.calls(accounting.OutletPath, "rich"))
}

// =============================================================================
// Observability
// =============================================================================

func TestTelemetryCarriesEstimate(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":3}`), fixed(200, okOutlet))
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: true, LogPath: t.TempDir() + "/telemetry.jsonl"})
	require.NoError(t, err)
	h := newHarness(t, svc, stats.DefaultOptions(), nil, WithTelemetry(tracker), WithTokenCounter(tokens.HeuristicCounter{}))

	_, err = h.meter.Inlet(context.Background(), newExchange(t, conversation), principal("max"))
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Count())
}

// textCounter records every text it is asked to count.
type textCounter struct {
	mu    sync.Mutex
	texts []string
}

func (c *textCounter) Count(_, text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return len(text)
}

func TestInlet_EstimatesSanitizedHistory(t *testing.T) {
	svc := newFakeService(fixed(200, `{"success":true,"balance":3}`), fixed(200, okOutlet))
	counter := &textCounter{}
	h := newHarness(t, svc, stats.DefaultOptions(), nil, WithTokenCounter(counter))

	_, err := h.meter.Inlet(context.Background(), newExchange(t, conversation), principal("nina"))
	require.NoError(t, err)

	require.NotEmpty(t, counter.texts)
	for _, text := range counter.texts {
		assert.NotContains(t, text, "[usage]")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "preflight_degraded", PreflightDegraded.String())
	assert.Equal(t, "postflight_failed", PostflightFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
