// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// AppendLog writes one row to the append-only relay history.
func (s *Store) AppendLog(ctx context.Context, e *bridge.LogEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_log (conversation_id, message_id, counterpart_id, direction, kind, author, body, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ConversationID, e.MessageID, e.CounterpartID, e.Direction, string(e.Kind), e.Author, e.Body, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append message log: %w", err)
	}
	return nil
}

// GetCounterpartID resolves a source message id to the channel-side id it
// was relayed as, or "" when the message never crossed the bridge.
func (s *Store) GetCounterpartID(ctx context.Context, messageID string) (string, error) {
	var counterpart string
	err := s.db.QueryRow(ctx, `
		SELECT counterpart_id FROM message_log
		WHERE message_id = $1 AND counterpart_id <> ''
		ORDER BY ts DESC LIMIT 1
	`, messageID).Scan(&counterpart)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve counterpart id: %w", err)
	}
	return counterpart, nil
}

// GetMessageIDByCounterpart is the reverse lookup: channel-side id back to
// the source message id.
func (s *Store) GetMessageIDByCounterpart(ctx context.Context, counterpartID string) (string, error) {
	var messageID string
	err := s.db.QueryRow(ctx, `
		SELECT message_id FROM message_log
		WHERE counterpart_id = $1 AND message_id <> ''
		ORDER BY ts DESC LIMIT 1
	`, counterpartID).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve source message id: %w", err)
	}
	return messageID, nil
}

// LogStats returns total relayed counts per direction for the stats command.
func (s *Store) LogStats(ctx context.Context) (inbound, outbound int64, err error) {
	rows, err := s.db.Query(ctx, `SELECT direction, COUNT(*) FROM message_log GROUP BY direction`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query log stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var direction string
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return 0, 0, err
		}
		switch direction {
		case bridge.DirectionIn:
			inbound = count
		case bridge.DirectionOut:
			outbound = count
		}
	}
	return inbound, outbound, rows.Err()
}
