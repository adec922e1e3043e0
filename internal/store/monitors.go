package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Monitor represents a row in the monitors table: one registered
// file-system watch and the handler callback receiving its events.
type Monitor struct {
	ID        string
	Path      string
	Recursive bool
	Callback  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertMonitor inserts a watch registration or refreshes the existing one.
// An existing non-recursive registration is upgraded when the new one is
// recursive, never downgraded.
func (s *Store) UpsertMonitor(ctx context.Context, path string, recursive bool, callback string) (*Monitor, error) {
	var m Monitor
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO monitors (path, recursive, callback)
		VALUES ($1, $2, $3)
		ON CONFLICT (path, callback) DO UPDATE SET
			recursive  = monitors.recursive OR EXCLUDED.recursive,
			updated_at = now()
		RETURNING id, path, recursive, callback, created_at, updated_at`,
		path, recursive, callback,
	).Scan(&m.ID, &m.Path, &m.Recursive, &m.Callback, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertMonitor: %w", err)
	}
	return &m, nil
}

// ListMonitors returns every registered watch ordered by path and callback.
func (s *Store) ListMonitors(ctx context.Context) ([]*Monitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, recursive, callback, created_at, updated_at
		FROM monitors ORDER BY path, callback`)
	if err != nil {
		return nil, fmt.Errorf("ListMonitors: %w", err)
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		var m Monitor
		if err := rows.Scan(&m.ID, &m.Path, &m.Recursive, &m.Callback,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListMonitors: %w", err)
		}
		monitors = append(monitors, &m)
	}
	return monitors, rows.Err()
}

// DeleteMonitor removes one watch registration. Returns sql.ErrNoRows when
// no such registration exists.
func (s *Store) DeleteMonitor(ctx context.Context, path, callback string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM monitors WHERE path = $1 AND callback = $2`, path, callback)
	if err != nil {
		return fmt.Errorf("DeleteMonitor: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
