// Package ledger keeps a local SQLite record of billed exchanges.
//
// FILES:
//   - ledger.go:    Schema, writes and aggregate queries
//   - dashboard.go: HTML usage dashboard
//
// DESIGN: The accounting service stays the source of truth for balances. The
// ledger only mirrors what post-flight reported, so operators can inspect
// per-principal usage without querying the service.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	exchange_id   TEXT NOT NULL,
	principal_id  TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	total_cost    REAL NOT NULL,
	balance       REAL NOT NULL,
	elapsed_ms    INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_principal ON usage_records(principal_id, created_at);
`

// Record is one billed exchange.
type Record struct {
	ID           string        `json:"id"`
	ExchangeID   string        `json:"exchange_id"`
	PrincipalID  string        `json:"principal_id"`
	Model        string        `json:"model,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalCost    float64       `json:"total_cost"`
	Balance      float64       `json:"balance"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Totals aggregates a principal's records.
type Totals struct {
	PrincipalID  string    `json:"principal_id"`
	Requests     int       `json:"requests"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalCost    float64   `json:"total_cost"`
	LastBalance  float64   `json:"last_balance"`
	LastSeen     time.Time `json:"last_seen"`
}

// Summary aggregates every record.
type Summary struct {
	Principals   int     `json:"principals"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// Ledger is a SQLite-backed usage ledger. Safe for concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends a billed exchange. ID and CreatedAt are filled when empty.
func (l *Ledger) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, exchange_id, principal_id, model, input_tokens, output_tokens, total_cost, balance, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExchangeID, r.PrincipalID, r.Model, r.InputTokens, r.OutputTokens,
		r.TotalCost, r.Balance, r.Elapsed.Milliseconds(), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, exchange_id, principal_id, model, input_tokens, output_tokens, total_cost, balance, elapsed_ms, created_at
		   FROM usage_records
		  ORDER BY created_at DESC, rowid DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			elapsedMs int64
			created   int64
		)
		if err := rows.Scan(&r.ID, &r.ExchangeID, &r.PrincipalID, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.TotalCost, &r.Balance, &elapsedMs, &created); err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals returns per-principal aggregates, highest spend first.
func (l *Ledger) Totals(ctx context.Context) ([]Totals, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT r.principal_id, COUNT(*), SUM(r.input_tokens), SUM(r.output_tokens), SUM(r.total_cost), MAX(r.created_at),
		        (SELECT b.balance FROM usage_records b
		          WHERE b.principal_id = r.principal_id
		          ORDER BY b.created_at DESC, b.rowid DESC LIMIT 1)
		   FROM usage_records r
		  GROUP BY r.principal_id
		  ORDER BY SUM(r.total_cost) DESC, r.principal_id`)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Totals
	for rows.Next() {
		var (
			t        Totals
			lastSeen int64
		)
		if err := rows.Scan(&t.PrincipalID, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.TotalCost, &lastSeen, &t.LastBalance); err != nil {
			return nil, fmt.Errorf("scanning usage totals: %w", err)
		}
		t.LastSeen = time.Unix(0, lastSeen)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary returns aggregates over every record.
func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT principal_id), COUNT(*),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_cost), 0)
		   FROM usage_records`).
		Scan(&s.Principals, &s.Requests, &s.InputTokens, &s.OutputTokens, &s.TotalCost)
	if err != nil {
		return Summary{}, fmt.Errorf("querying usage summary: %w", err)
	}
	return s, nil
}
