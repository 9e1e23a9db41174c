// Package usage keeps a persistent ledger of model calls: one row per
// THINKING step with the model and its token counts. The ledger is fed
// from the event bus by a [Recorder] and aggregated by time range.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one model call.
type Record struct {
	ID               string
	Timestamp        time.Time
	PassID           string
	ChannelID        string
	Step             int
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Summary holds aggregated totals.
type Summary struct {
	Calls            int   `json:"calls"`
	Passes           int   `json:"passes"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store is an append-only ledger in the agent's database.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store on db, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_calls (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		pass_id           TEXT NOT NULL,
		channel_id        TEXT,
		step              INTEGER NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_timestamp ON model_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_model_calls_pass ON model_calls(pass_id);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero timestamp
// becomes now.
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
		`INSERT INTO model_calls
			(id, timestamp, pass_id, channel_id, step, model, prompt_tokens, completion_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatBound(rec.Timestamp),
		rec.PassID,
		rec.ChannelID,
		rec.Step,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for calls within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT pass_id),
		        COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatBound(start), formatBound(end),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.Passes, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByChannel returns per-channel totals within [start, end).
func (s *Store) SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "channel_id", start, end)
}

// column is always a constant from this package.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COUNT(DISTINCT pass_id),
		        COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query, formatBound(start), formatBound(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.Passes, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// timeLayout is fixed-width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatBound(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
