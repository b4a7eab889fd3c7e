// Copyright 2024-2026 Aiku AI

// Package store persists bridge state in SQLite: chat mappings, sent-message
// fingerprints, pending-media counters, quote references, the message log and
// the global bridge-state row. It is the single source of truth; in-memory
// caches layered on top are optimizations only.
package store

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the bridge database at the given sqlite URI and
// ensures the schema exists.
func New(ctx context.Context, uri string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "store").Logger())
	s := &Store{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_mapping (
			conversation_id TEXT NOT NULL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'direct',
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			last_activity_ts BIGINT NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS chat_mapping_channel_idx
			ON chat_mapping (channel_id)`,
		`CREATE TABLE IF NOT EXISTS sent_id (
			message_id TEXT NOT NULL PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sent_content (
			conversation_id TEXT NOT NULL,
			content_hash BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, content_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS sent_file (
			conversation_id TEXT NOT NULL,
			file_hash BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, file_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_media (
			conversation_id TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quote_ref (
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS quote_ref_lookup_idx
			ON quote_ref (conversation_id, message_id, created_ts)`,
		`CREATE TABLE IF NOT EXISTS message_log (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			counterpart_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_log_conv_ts_idx
			ON message_log (conversation_id, ts)`,
		`CREATE INDEX IF NOT EXISTS message_log_message_idx
			ON message_log (message_id)`,
		`CREATE INDEX IF NOT EXISTS message_log_counterpart_idx
			ON message_log (counterpart_id)`,
		`CREATE TABLE IF NOT EXISTS bridge_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			verbosity INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO bridge_state (id, paused, verbosity) VALUES (1, FALSE, 0)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure bridge schema: %w", err)
		}
	}
	return nil
}
