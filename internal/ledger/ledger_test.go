package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RecordAndQuery(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Record{ExchangeID: "e1", PrincipalID: "alice", Model: "gpt-4o", InputTokens: 120, OutputTokens: 80, TotalCost: 0.05, Balance: 9.95, Elapsed: 2 * time.Second, CreatedAt: base}))
	require.NoError(t, l.Record(ctx, Record{ExchangeID: "e2", PrincipalID: "alice", InputTokens: 10, OutputTokens: 5, TotalCost: 0.01, Balance: 9.94, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, l.Record(ctx, Record{ExchangeID: "e3", PrincipalID: "bob", InputTokens: 1, OutputTokens: 1, TotalCost: 0.001, Balance: 0, CreatedAt: base.Add(2 * time.Minute)}))

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e3", recent[0].ExchangeID)
	assert.NotEmpty(t, recent[0].ID)
	assert.True(t, recent[1].CreatedAt.Equal(base.Add(time.Minute)))

	totals, err := l.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "alice", totals[0].PrincipalID)
	assert.Equal(t, 2, totals[0].Requests)
	assert.Equal(t, 130, totals[0].InputTokens)
	assert.InDelta(t, 0.06, totals[0].TotalCost, 1e-9)
	assert.InDelta(t, 9.94, totals[0].LastBalance, 1e-9, "latest balance wins")

	summary, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Principals: 2, Requests: 3, InputTokens: 131, OutputTokens: 86, TotalCost: summary.TotalCost}, summary)
	assert.InDelta(t, 0.061, summary.TotalCost, 1e-9)
}

func TestLedger_EmptySummary(t *testing.T) {
	l := openTestLedger(t)

	summary, err := l.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Requests)

	totals, err := l.Totals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestLedger_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	ctx := context.Background()

	l, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Record{ExchangeID: "e1", PrincipalID: "p", TotalCost: 1}))
	require.NoError(t, l.Close())

	l, err = Open(ctx, path)
	require.NoError(t, err)
	defer l.Close()

	summary, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Requests)
}

func TestDashboardHandler(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Record(context.Background(), Record{ExchangeID: "e1", PrincipalID: "<script>", Model: "m", InputTokens: 3, OutputTokens: 4, TotalCost: 0.5, Balance: -1}))

	rec := httptest.NewRecorder()
	l.DashboardHandler(10)(rec, httptest.NewRequest(http.MethodGet, "/usage/dashboard", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Usage Dashboard")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<td class=\"principal\"><script>")
	assert.Contains(t, body, `<td class="low">-1.0000</td>`)
}

func TestDashboard_Empty(t *testing.T) {
	page := renderDashboard(Summary{}, nil, nil, time.Now())
	assert.Contains(t, page, "No usage yet")
}
