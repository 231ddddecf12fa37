// Package usage records token consumption for every language model call.
// Records are append-only and indexed by timestamp and conversation for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Roles attributed to model calls.
const (
	RoleInteractive = "interactive"
	RoleReflection  = "reflection"
)

// timeFormat is fixed width so stored timestamps compare as strings.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Record is one model call's token usage.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	UserID         string
	Model          string
	Role           string
	InputTokens    int
	OutputTokens   int
	Duration       time.Duration
	Failed         bool
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int   `json:"calls"`
	Failures     int   `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite store for usage records.
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
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT,
		user_id         TEXT,
		model           TEXT NOT NULL,
		role            TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL,
		failed          INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. If rec.ID is empty, a UUIDv7 is generated.
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
	if rec.Role == "" {
		rec.Role = RoleInteractive
	}
	failed := 0
	if rec.Failed {
		failed = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, conversation_id, user_id, model, role,
			 input_tokens, output_tokens, duration_ms, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.ConversationID,
		rec.UserID,
		rec.Model,
		rec.Role,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
		failed,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.Failures, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByRole returns per-role totals for records within [start, end).
func (s *Store) SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "role", start, end)
}

// SummaryByConversation returns per-conversation totals for records
// within [start, end).
func (s *Store) SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "conversation_id", start, end)
}

// column is always one of the constants above, never caller input.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(failed), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(input_tokens) + SUM(output_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.Failures, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
