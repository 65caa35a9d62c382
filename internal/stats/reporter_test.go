package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/exchange"
)

var sampleResult = &accounting.OutletResult{
	Success:      true,
	InputTokens:  120,
	OutputTokens: 80,
	TotalCost:    0.05,
	NewBalance:   9.95,
}

func newExchange(t *testing.T, body string) *exchange.Exchange {
	t.Helper()
	ex, err := exchange.New([]byte(body))
	require.NoError(t, err)
	return ex
}

// recordingSink collects published events.
type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestFormat_AllFields(t *testing.T) {
	r := NewReporter(DefaultOptions(), nil)

	line := r.Format(sampleResult, 4*time.Second)
	assert.Equal(t, "Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500 | Time: 4.00s | Speed: 20.00 tokens/s", line)
}

func TestFormat_ThroughputMatchesElapsed(t *testing.T) {
	r := NewReporter(DefaultOptions(), nil)
	elapsed := 3700 * time.Millisecond

	fields := strings.Split(r.Format(sampleResult, elapsed), Delimiter)
	require.Len(t, fields, 5)

	speed := strings.TrimSuffix(strings.TrimPrefix(fields[4], "Speed: "), " tokens/s")
	got, err := strconv.ParseFloat(speed, 64)
	require.NoError(t, err)
	assert.InDelta(t, 80/elapsed.Seconds(), got, 0.005)
	assert.InDelta(t, 80/elapsed.Seconds(), Throughput(80, elapsed), 1e-9)
}

func TestFormat_NoElapsedOmitsTimeAndSpeed(t *testing.T) {
	r := NewReporter(DefaultOptions(), nil)

	for _, elapsed := range []time.Duration{0, -time.Second} {
		line := r.Format(sampleResult, elapsed)
		assert.Equal(t, "Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500", line)
	}
	assert.Zero(t, Throughput(80, 0))
}

func TestFormat_Toggles(t *testing.T) {
	opts := Options{Language: LangEN, ShowCost: true, ShowTokensPerSec: true}
	r := NewReporter(opts, nil)

	assert.Equal(t, "Cost: 0.0500 | Speed: 40.00 tokens/s", r.Format(sampleResult, 2*time.Second))
	assert.Empty(t, NewReporter(Options{}, nil).Format(sampleResult, time.Second))
}

func TestFormat_Chinese(t *testing.T) {
	opts := DefaultOptions()
	opts.Language = LangZH
	r := NewReporter(opts, nil)

	line := r.Format(sampleResult, 0)
	assert.Equal(t, "输入`120 tokens`, 输出`80 tokens` | 消耗`¥0.0500` | 余额`¥9.9500`", line)
	assert.Equal(t, "[用量]", r.Marker())
}

func TestT_Fallback(t *testing.T) {
	assert.Equal(t, "Cost: %.4f", T(Language("fr"), KeyCost))
	assert.Equal(t, "missing_key", T(LangZH, "missing_key"))
	assert.Equal(t, LangEN, ParseLanguage("klingon"))
	assert.Equal(t, LangZH, ParseLanguage("zh"))
	assert.True(t, Supported("zh"))
	assert.False(t, Supported("fr"))
}

func TestReport_TranscriptAppendsToLastAssistant(t *testing.T) {
	ex := newExchange(t, `{"messages":[`+
		`{"role":"assistant","content":"first"},`+
		`{"role":"user","content":"q"},`+
		`{"role":"assistant","content":"answer"},`+
		`{"role":"user","content":"trailing"}]}`)

	ch, err := NewReporter(DefaultOptions(), nil).Report(context.Background(), ex, "u1", sampleResult, 0)
	require.NoError(t, err)
	assert.Equal(t, ChannelTranscript, ch)

	msgs := ex.Messages()
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "answer\n\n[usage] Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500", msgs[2].Content)
	assert.Equal(t, "trailing", msgs[3].Content)
}

func TestReport_NoAssistantIsNoop(t *testing.T) {
	ex := newExchange(t, `{"messages":[{"role":"user","content":"q"}]}`)
	before := string(ex.Bytes())

	ch, err := NewReporter(DefaultOptions(), nil).Report(context.Background(), ex, "u1", sampleResult, 0)
	require.NoError(t, err)
	assert.Equal(t, ChannelNone, ch)
	assert.Equal(t, before, string(ex.Bytes()))
}

func TestReport_StatusMode(t *testing.T) {
	sink := &recordingSink{}
	opts := DefaultOptions()
	opts.Mode = ModeStatus
	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)

	ch, err := NewReporter(opts, sink).Report(context.Background(), ex, "u1", sampleResult, 0)
	require.NoError(t, err)
	assert.Equal(t, ChannelStatus, ch)
	assert.Equal(t, "answer", ex.Messages()[0].Content, "transcript untouched")

	require.Len(t, sink.events, 1)
	raw, err := json.Marshal(sink.events[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","data":{"description":"Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500","done":true,"level":"info"}}`, string(raw))
	assert.Equal(t, "u1", sink.events[0].Principal)
}

func TestReport_StatusModeWithoutSinkFallsBack(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeStatus
	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)

	ch, err := NewReporter(opts, nil).Report(context.Background(), ex, "u1", sampleResult, 0)
	require.NoError(t, err)
	assert.Equal(t, ChannelTranscript, ch)
}

func TestReport_StatusModeNoSubscriberFallsBack(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeStatus
	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)
	sink := &recordingSink{err: fmt.Errorf("hub: %w", ErrNoSubscriber)}

	ch, err := NewReporter(opts, sink).Report(context.Background(), ex, "u1", sampleResult, 0)
	require.NoError(t, err)
	assert.Equal(t, ChannelTranscript, ch)
	assert.Equal(t, "answer\n\n[usage] Tokens: 120 + 80 | Cost: 0.0500 | Balance: 9.9500", ex.Messages()[0].Content)
}

func TestReport_AllFieldsDisabled(t *testing.T) {
	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)

	ch, err := NewReporter(Options{}, nil).Report(context.Background(), ex, "u1", sampleResult, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ChannelNone, ch)
	assert.Equal(t, "answer", ex.Messages()[0].Content)
}

func TestNotice_Localized(t *testing.T) {
	opts := DefaultOptions()
	opts.Language = LangZH
	ex := newExchange(t, `{"messages":[{"role":"assistant","content":"answer"}]}`)

	_, err := NewReporter(opts, nil).Notice(context.Background(), ex, "u1", KeyDegraded)
	require.NoError(t, err)
	assert.Equal(t, "answer\n\n[用量] "+zh[KeyDegraded], ex.Messages()[0].Content)
}

func TestPublishError(t *testing.T) {
	cause := errors.New("accounting /api/v1/outlet: request failed: connection refused")

	published, err := NewReporter(DefaultOptions(), nil).PublishError(context.Background(), "u1", cause)
	require.NoError(t, err)
	assert.False(t, published)

	sink := &recordingSink{}
	published, err = NewReporter(DefaultOptions(), sink).PublishError(context.Background(), "u1", cause)
	require.NoError(t, err)
	assert.True(t, published)
	require.Len(t, sink.events, 1)
	assert.Equal(t, LevelError, sink.events[0].Data.Level)
	assert.Contains(t, sink.events[0].Data.Description, "connection refused")

	unheard := &recordingSink{err: ErrNoSubscriber}
	published, err = NewReporter(DefaultOptions(), unheard).PublishError(context.Background(), "u1", cause)
	require.NoError(t, err)
	assert.False(t, published, "nobody was listening")

	failing := &recordingSink{err: errors.New("closed")}
	_, err = NewReporter(DefaultOptions(), failing).PublishError(context.Background(), "u1", cause)
	assert.ErrorContains(t, err, "closed")
}
