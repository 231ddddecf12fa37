// Package preferences stores durable user preference signals learned by
// the reflection pass and remembered explicitly through tools.
package preferences

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category groups related preferences.
type Category string

const (
	CategorySchedule      Category = "schedule"      // Preferred times, durations, buffers
	CategoryHabit         Category = "habit"         // Recurring routines the user keeps
	CategoryCommunication Category = "communication" // Tone, verbosity, language
	CategoryGeneral       Category = "general"       // Anything else worth keeping
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	switch c {
	case CategorySchedule, CategoryHabit, CategoryCommunication, CategoryGeneral:
		return true
	}
	return false
}

// reinforcement is added to the confidence of a preference that is
// observed again with the same value.
const reinforcement = 0.1

// Preference is one durable signal about a user.
type Preference struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"` // "reflection", "tool", ...
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ErrNotFound is returned by Get when no preference matches.
var ErrNotFound = errors.New("preference not found")

// Store manages preference persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a preference store using an existing database
// connection and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT,
			confidence REAL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, category, key)
		);

		CREATE INDEX IF NOT EXISTS idx_preferences_user ON preferences(user_id);
	`)
	return err
}

// Merge records p for its user. A preference re-observed with an
// identical value has its confidence reinforced (capped at 1.0); a
// changed value replaces the old one with the incoming confidence.
func (s *Store) Merge(ctx context.Context, p Preference) (*Preference, error) {
	p.Key = strings.TrimSpace(p.Key)
	p.Value = strings.TrimSpace(p.Value)
	if p.UserID == "" || p.Key == "" || p.Value == "" {
		return nil, fmt.Errorf("merge preference: user_id, key, and value are required")
	}
	if p.Category == "" {
		p.Category = CategoryGeneral
	}
	p.Confidence = clampConfidence(p.Confidence)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	// One statement, so concurrent merges of the same key serialize in
	// the database instead of racing between a read and a write.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO preferences (id, user_id, category, key, value, source, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, category, key) DO UPDATE SET
			confidence = CASE
				WHEN lower(preferences.value) = lower(excluded.value)
				THEN min(preferences.confidence + ?, 1.0)
				ELSE excluded.confidence
			END,
			value = excluded.value,
			source = excluded.source,
			updated_at = excluded.updated_at
		RETURNING id, user_id, category, key, value, source, confidence, created_at, updated_at
	`, id.String(), p.UserID, p.Category, p.Key, p.Value, p.Source, p.Confidence, now, now, reinforcement)

	merged, err := scanPreference(row)
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}
	return merged, nil
}

// Get retrieves one preference. Returns [ErrNotFound] when absent.
func (s *Store) Get(ctx context.Context, userID string, category Category, key string) (*Preference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, key, value, source, confidence, created_at, updated_at
		FROM preferences WHERE user_id = ? AND category = ? AND key = ?
	`, userID, category, key)

	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// List returns a user's preferences ordered by category and key. An
// empty category returns every category.
func (s *Store) List(ctx context.Context, userID string, category Category) ([]*Preference, error) {
	query := `
		SELECT id, user_id, category, key, value, source, confidence, created_at, updated_at
		FROM preferences WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var prefs []*Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// Delete removes one preference. Deleting an absent preference is not
// an error.
func (s *Store) Delete(ctx context.Context, userID string, category Category, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM preferences WHERE user_id = ? AND category = ? AND key = ?
	`, userID, category, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPreference(row scanner) (*Preference, error) {
	var p Preference
	var idStr, catStr, createdStr, updatedStr string
	var source sql.NullString

	err := row.Scan(&idStr, &p.UserID, &catStr, &p.Key, &p.Value, &source, &p.Confidence, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	p.ID, _ = uuid.Parse(idStr)
	p.Category = Category(catStr)
	if source.Valid {
		p.Source = source.String
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)

	return &p, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 0.5
	case c > 1:
		return 1
	}
	return c
}
