package ledger

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/utils"
)

// DashboardHandler serves the usage dashboard HTML page.
func (l *Ledger) DashboardHandler(recent int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		summary, err := l.Summary(ctx)
		if err != nil {
			log.Error().Err(err).Msg("ledger: dashboard summary failed")
			http.Error(w, "ledger unavailable", http.StatusInternalServerError)
			return
		}
		totals, err := l.Totals(ctx)
		if err != nil {
			log.Error().Err(err).Msg("ledger: dashboard totals failed")
			http.Error(w, "ledger unavailable", http.StatusInternalServerError)
			return
		}
		records, err := l.Recent(ctx, recent)
		if err != nil {
			log.Error().Err(err).Msg("ledger: dashboard records failed")
			http.Error(w, "ledger unavailable", http.StatusInternalServerError)
			return
		}

		page := renderDashboard(summary, totals, records, time.Now())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page))
	}
}

func renderDashboard(summary Summary, totals []Totals, records []Record, now time.Time) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Usage Monitor - Usage Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: 'SF Mono', 'Fira Code', 'Cascadia Code', monospace; background: #0d1117; color: #c9d1d9; padding: 24px; }
  h1 { color: #58a6ff; font-size: 18px; margin-bottom: 16px; }
  h2 { color: #8b949e; font-size: 13px; margin: 24px 0 8px; text-transform: uppercase; letter-spacing: 1px; }
  .summary { display: flex; gap: 24px; margin-bottom: 8px; padding: 16px; background: #161b22; border: 1px solid #30363d; border-radius: 6px; }
  .stat-label { font-size: 11px; color: #8b949e; text-transform: uppercase; letter-spacing: 1px; }
  .stat-value { font-size: 24px; font-weight: bold; color: #f0f6fc; }
  .stat-value.cost { color: #ffa657; }
  table { width: 100%; border-collapse: collapse; background: #161b22; border: 1px solid #30363d; border-radius: 6px; overflow: hidden; }
  th { text-align: left; padding: 10px 14px; font-size: 11px; color: #8b949e; text-transform: uppercase; letter-spacing: 1px; background: #0d1117; border-bottom: 1px solid #30363d; }
  td { padding: 10px 14px; font-size: 13px; border-bottom: 1px solid #21262d; }
  tr:last-child td { border-bottom: none; }
  .principal { color: #58a6ff; }
  .model { color: #d2a8ff; }
  .cost { color: #ffa657; font-weight: bold; }
  .low { color: #f85149; font-weight: bold; }
  .empty { text-align: center; padding: 40px; color: #8b949e; }
  .footer { margin-top: 16px; font-size: 11px; color: #484f58; }
</style>
</head>
<body>
<h1>Usage Monitor - Usage Dashboard</h1>
<div class="summary">`)
	writeStat(&b, "Total Cost", fmt.Sprintf("%.4f", summary.TotalCost), "cost")
	writeStat(&b, "Principals", fmt.Sprintf("%d", summary.Principals), "")
	writeStat(&b, "Requests", fmt.Sprintf("%d", summary.Requests), "")
	writeStat(&b, "Tokens", fmt.Sprintf("%d + %d", summary.InputTokens, summary.OutputTokens), "")
	b.WriteString(`
</div>
`)

	if len(totals) == 0 {
		b.WriteString(`<div class="empty">No usage yet. Billed exchanges will appear here as they are processed.</div>`)
	} else {
		b.WriteString(`<h2>Per principal</h2>
<table>
<tr>
  <th>Principal</th>
  <th>Requests</th>
  <th>Tokens</th>
  <th>Cost</th>
  <th>Balance</th>
  <th>Last Activity</th>
</tr>
`)
		for _, t := range totals {
			balanceClass := ""
			if t.LastBalance <= 0 {
				balanceClass = "low"
			}
			fmt.Fprintf(&b, `<tr>
  <td class="principal">%s</td>
  <td>%d</td>
  <td>%d + %d</td>
  <td class="cost">%.4f</td>
  <td class="%s">%.4f</td>
  <td>%s</td>
</tr>
`, html.EscapeString(utils.Truncate(t.PrincipalID, 24)), t.Requests, t.InputTokens, t.OutputTokens,
				t.TotalCost, balanceClass, t.LastBalance, ago(now.Sub(t.LastSeen)))
		}
		b.WriteString(`</table>
<h2>Recent exchanges</h2>
<table>
<tr>
  <th>Principal</th>
  <th>Model</th>
  <th>Tokens</th>
  <th>Cost</th>
  <th>Time</th>
  <th>When</th>
</tr>
`)
		for _, r := range records {
			fmt.Fprintf(&b, `<tr>
  <td class="principal">%s</td>
  <td class="model">%s</td>
  <td>%d + %d</td>
  <td class="cost">%.4f</td>
  <td>%.2fs</td>
  <td>%s</td>
</tr>
`, html.EscapeString(utils.Truncate(r.PrincipalID, 24)), html.EscapeString(r.Model), r.InputTokens, r.OutputTokens,
				r.TotalCost, r.Elapsed.Seconds(), ago(now.Sub(r.CreatedAt)))
		}
		b.WriteString(`</table>`)
	}

	b.WriteString(`
<div class="footer">Auto-refreshes every 5 seconds</div>
</body>
</html>`)
	return b.String()
}

func writeStat(b *strings.Builder, label, value, class string) {
	fmt.Fprintf(b, `
  <div class="stat">
    <div class="stat-label">%s</div>
    <div class="stat-value %s">%s</div>
  </div>`, label, class, value)
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
