// Package usage provides a persistent journal of finished chat calls:
// outcome, token usage, and estimated cost. Records are append-only and
// indexed by timestamp, provider, and outcome for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/chatbridge/internal/config"
)

// Record represents a single finished call.
type Record struct {
	ID           string
	Timestamp    time.Time
	CallID       string
	Provider     string // "OpenAI", "ERNIEBot", "Tongyi", "Spark"
	Model        string
	Mode         string // "chat", "drawing"
	Outcome      string // "ok", "error", "cancelled", "superseded", "timeout"
	Fragments    int
	OutputChars  int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
	Error        string // empty unless Outcome is "error" or "timeout"
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalFragments    int64   `json:"total_fragments"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		call_id       TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		mode          TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		fragments     INTEGER NOT NULL,
		output_chars  INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		duration_ms   INTEGER NOT NULL,
		error         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON call_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_provider ON call_records(provider);
	CREATE INDEX IF NOT EXISTS idx_calls_call_id ON call_records(call_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records
			(id, timestamp, call_id, provider, model, mode, outcome, fragments,
			 output_chars, input_tokens, output_tokens, cost_usd, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.CallID,
		rec.Provider,
		rec.Model,
		rec.Mode,
		rec.Outcome,
		rec.Fragments,
		rec.OutputChars,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.DurationMS,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, call_id, provider, model, mode, outcome, fragments, output_chars,
		        input_tokens, output_tokens, cost_usd, duration_ms, COALESCE(error, '')
		 FROM call_records
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.CallID, &rec.Provider, &rec.Model, &rec.Mode, &rec.Outcome,
			&rec.Fragments, &rec.OutputChars, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.DurationMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COALESCE(SUM(fragments), 0)
		 FROM call_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.TotalFragments); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByProvider returns per-provider totals for records within [start, end).
func (s *Store) SummaryByProvider(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("provider", start, end)
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByOutcome returns per-outcome totals for records within [start, end).
func (s *Store) SummaryByOutcome(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("outcome", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COALESCE(SUM(fragments), 0)
		 FROM call_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.TotalFragments); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
