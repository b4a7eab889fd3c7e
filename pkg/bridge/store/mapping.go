// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mmbridge/pkg/bridge"
)

const mappingColumns = `conversation_id, channel_id, display_name, kind, muted, created_ts, last_activity_ts, message_count`

func scanMapping(row dbutil.Scannable) (*bridge.ChatMapping, error) {
	var m bridge.ChatMapping
	var createdTS, activityTS int64
	err := row.Scan(&m.ConversationID, &m.ChannelID, &m.DisplayName, (*string)(&m.Kind), &m.Muted, &createdTS, &activityTS, &m.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdTS)
	m.LastActivity = time.UnixMilli(activityTS)
	return &m, nil
}

// GetMapping returns the mapping for a conversation id, or nil if none exists.
func (s *Store) GetMapping(ctx context.Context, conversationID string) (*bridge.ChatMapping, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mappingColumns+` FROM chat_mapping WHERE conversation_id = $1`, conversationID)
	return scanMapping(row)
}

// GetMappingByChannel returns the mapping bound to a channel id, or nil.
func (s *Store) GetMappingByChannel(ctx context.Context, channelID string) (*bridge.ChatMapping, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mappingColumns+` FROM chat_mapping WHERE channel_id = $1`, channelID)
	return scanMapping(row)
}

// ListMappings returns all mappings ordered by last activity, newest first.
func (s *Store) ListMappings(ctx context.Context) ([]*bridge.ChatMapping, error) {
	rows, err := s.db.Query(ctx, `SELECT `+mappingColumns+` FROM chat_mapping ORDER BY last_activity_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()
	var out []*bridge.ChatMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMapping persists a freshly created mapping. The caller must only call
// this after the bound channel has been created successfully.
func (s *Store) InsertMapping(ctx context.Context, m *bridge.ChatMapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_mapping (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ConversationID, m.ChannelID, m.DisplayName, string(m.Kind), m.Muted,
		m.CreatedAt.UnixMilli(), m.LastActivity.UnixMilli(), m.MessageCount)
	if err != nil {
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	return nil
}

// UpdateChannelID repoints a mapping at a replacement channel, used when the
// previously bound channel was deleted externally.
func (s *Store) UpdateChannelID(ctx context.Context, conversationID, channelID string) error {
	_, err := s.db.Exec(ctx, `UPDATE chat_mapping SET channel_id = $1 WHERE conversation_id = $2`, channelID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update channel id: %w", err)
	}
	return nil
}

// SetMuted flips the per-conversation mute flag.
func (s *Store) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	_, err := s.db.Exec(ctx, `UPDATE chat_mapping SET muted = $1 WHERE conversation_id = $2`, muted, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set muted: %w", err)
	}
	return nil
}

// TouchActivity bumps last-activity and the relayed-message counter.
func (s *Store) TouchActivity(ctx context.Context, conversationID string, ts time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chat_mapping
		SET last_activity_ts = $1, message_count = message_count + 1
		WHERE conversation_id = $2
	`, ts.UnixMilli(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	return nil
}

// PurgeMappings deletes every mapping and the quote references that hang off
// them, returning the previously bound channel ids for external teardown.
// Runs in a transaction so no concurrent creation lands mid-purge.
func (s *Store) PurgeMappings(ctx context.Context) ([]string, error) {
	var channelIDs []string
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT channel_id FROM chat_mapping`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			channelIDs = append(channelIDs, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM chat_mapping`); err != nil {
			return err
		}
		_, err = s.db.Exec(ctx, `DELETE FROM quote_ref`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge mappings: %w", err)
	}
	return channelIDs, nil
}
