package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore is a SQLite-backed [Store]. Turns are ordered by an
// autoincrement sequence, so arrival order is preserved even when
// callers supply identical or virtual timestamps.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a transcript store on an existing database
// connection, running migrations on first use.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			tool_calls      TEXT,
			tool_call_id    TEXT,
			timestamp       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
	`)
	return err
}

// AppendTurn inserts a turn at the end of a conversation.
func (s *SQLiteStore) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	turn = normalize(conversationID, turn)

	var toolCalls sql.NullString
	if len(turn.ToolCalls) > 0 {
		data, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	var toolCallID sql.NullString
	if turn.ToolCallID != "" {
		toolCallID = sql.NullString{String: turn.ToolCallID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, tool_calls, tool_call_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, conversationID, string(turn.Role), turn.Content, toolCalls, toolCallID,
		turn.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// ReadRecent returns the newest limit turns, oldest first.
func (s *SQLiteStore) ReadRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, timestamp
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var newestFirst []Turn
	for rows.Next() {
		var (
			t          Turn
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
			ts         string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &toolCalls, &toolCallID, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ConversationID = conversationID
		t.Role = Role(role)
		t.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for turn %s: %w", t.ID, err)
			}
		}
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp for turn %s: %w", t.ID, err)
		}
		newestFirst = append(newestFirst, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Turn, len(newestFirst))
	for i, t := range newestFirst {
		out[len(newestFirst)-1-i] = t
	}
	return out, nil
}
