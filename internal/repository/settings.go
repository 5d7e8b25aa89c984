package repository

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Setting names persisted by the publisher.
const (
	SettingLastPublishAttempt = "last_publish_attempt"
	SettingLastPublishSuccess = "last_publish_success"
	SettingPublishFrequency   = "publish_frequency"
)

// Settings is a small name to float64 store backed by the repository file.
type Settings struct {
	repo *Repository
}

// Get returns the value stored under name, and false if it was never set.
func (s *Settings) Get(ctx context.Context, name string) (float64, bool, error) {
	conn, err := s.repo.take(ctx)
	if err != nil {
		return 0, false, err
	}
	defer s.repo.pool.Put(conn)

	var (
		value float64
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT value FROM settings WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnFloat(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("settings: get %q: %w", name, err)
	}
	return value, found, nil
}

// Set stores value under name, replacing any previous value.
func (s *Settings) Set(ctx context.Context, name string, value float64) error {
	conn, err := s.repo.take(ctx)
	if err != nil {
		return err
	}
	defer s.repo.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO settings (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{name, value}})
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", name, err)
	}
	return nil
}

// Delete removes name. Deleting an unset name is not an error.
func (s *Settings) Delete(ctx context.Context, name string) error {
	conn, err := s.repo.take(ctx)
	if err != nil {
		return err
	}
	defer s.repo.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM settings WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
	}); err != nil {
		return fmt.Errorf("settings: delete %q: %w", name, err)
	}
	return nil
}
