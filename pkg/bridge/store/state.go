// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
)

// GetPaused reads the global paused flag from the bridge-state row.
func (s *Store) GetPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := s.db.QueryRow(ctx, `SELECT paused FROM bridge_state WHERE id = 1`).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("failed to get paused state: %w", err)
	}
	return paused, nil
}

// SetPaused updates the global paused flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.db.Exec(ctx, `UPDATE bridge_state SET paused = $1 WHERE id = 1`, paused)
	if err != nil {
		return fmt.Errorf("failed to set paused state: %w", err)
	}
	return nil
}

// GetVerbosity reads the log-verbosity level from the bridge-state row.
func (s *Store) GetVerbosity(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRow(ctx, `SELECT verbosity FROM bridge_state WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to get verbosity: %w", err)
	}
	return v, nil
}

// SetVerbosity updates the log-verbosity level.
func (s *Store) SetVerbosity(ctx context.Context, v int) error {
	_, err := s.db.Exec(ctx, `UPDATE bridge_state SET verbosity = $1 WHERE id = 1`, v)
	if err != nil {
		return fmt.Errorf("failed to set verbosity: %w", err)
	}
	return nil
}
