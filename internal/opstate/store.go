// Package opstate persists operational state that must be shared by
// every process using the same database: today, the named leases that
// keep background tasks single-instance. Domain data (transcripts,
// preferences) gets its own stores.
package opstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store is a SQLite-backed lease table. It satisfies the scheduler's
// Lease interface. All methods are safe for concurrent use; SQLite
// serializes the writes, and each operation is a single statement.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a lease store on an existing database connection.
// The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate opstate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			name       TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// TryAcquire takes the lease when it is absent, expired, or already
// held by holder. The check and the write are one upsert, so two
// processes racing for a free lease cannot both win.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET holder = excluded.holder, expires_at = excluded.expires_at, updated_at = excluded.updated_at
		 WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		name, holder, now.Add(ttl).UnixMilli(), now.UTC().Format(time.RFC3339), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return affected(res, name)
}

// Renew extends a lease still recorded for holder. It reports false if
// another holder has taken it.
func (s *Store) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ?, updated_at = ? WHERE name = ? AND holder = ?`,
		now.Add(ttl).UnixMilli(), now.UTC().Format(time.RFC3339), name, holder,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return affected(res, name)
}

// Release deletes the lease if holder owns it. Releasing someone
// else's lease is a no-op.
func (s *Store) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`,
		name, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the unexpired holder of a lease, or "" if nobody
// holds it.
func (s *Store) Holder(ctx context.Context, name string) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT holder FROM leases WHERE name = ? AND expires_at > ?`,
		name, s.now().UnixMilli(),
	).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease holder %s: %w", name, err)
	}
	return holder, nil
}

func affected(res sql.Result, name string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease %s rows affected: %w", name, err)
	}
	return n > 0, nil
}
