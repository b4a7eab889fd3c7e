// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// InsertQuote records the rendered content of a routed message so later
// replies can reconstruct the quoted context.
func (s *Store) InsertQuote(ctx context.Context, q *bridge.QuoteReference) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO quote_ref (conversation_id, message_id, author, body, created_ts)
		VALUES ($1, $2, $3, $4, $5)
	`, q.ConversationID, q.MessageID, q.Author, q.Body, q.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert quote ref: %w", err)
	}
	return nil
}

// GetQuote returns the most recent quote reference for a message id within a
// conversation, or nil if none is known. Best-effort: quoted context simply
// goes unrendered when the original was never routed through the bridge.
func (s *Store) GetQuote(ctx context.Context, conversationID, messageID string) (*bridge.QuoteReference, error) {
	row := s.db.QueryRow(ctx, `
		SELECT conversation_id, message_id, author, body, created_ts
		FROM quote_ref
		WHERE conversation_id = $1 AND message_id = $2
		ORDER BY created_ts DESC
		LIMIT 1
	`, conversationID, messageID)
	var q bridge.QuoteReference
	var createdTS int64
	err := row.Scan(&q.ConversationID, &q.MessageID, &q.Author, &q.Body, &createdTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get quote ref: %w", err)
	}
	q.CreatedAt = time.UnixMilli(createdTS)
	return &q, nil
}
