// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"time"
)

// Fingerprint rows assert "the bridge itself sent this" and are consumed at
// most once. Content and file hashes are stored as int64 casts of the uint64
// FNV value; the cast is stable so lookups compare equal.

// InsertSentID records a provider-assigned message id from a successful send.
func (s *Store) InsertSentID(ctx context.Context, messageID string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sent_id (message_id, expires_at) VALUES ($1, $2)
		ON CONFLICT (message_id) DO UPDATE SET expires_at = excluded.expires_at
	`, messageID, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert sent id: %w", err)
	}
	return nil
}

// ConsumeSentID deletes a live by-id fingerprint and reports whether one was
// there. Expired-but-unswept rows count as absent.
func (s *Store) ConsumeSentID(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM sent_id WHERE message_id = $1 AND expires_at > $2
	`, messageID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to consume sent id: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertSentContent records a by-content-hash fingerprint.
func (s *Store) InsertSentContent(ctx context.Context, conversationID string, hash uint64, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sent_content (conversation_id, content_hash, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, content_hash) DO UPDATE SET expires_at = excluded.expires_at
	`, conversationID, int64(hash), expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert sent content: %w", err)
	}
	return nil
}

// ConsumeSentContent deletes a live by-content fingerprint.
func (s *Store) ConsumeSentContent(ctx context.Context, conversationID string, hash uint64, now time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM sent_content WHERE conversation_id = $1 AND content_hash = $2 AND expires_at > $3
	`, conversationID, int64(hash), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to consume sent content: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertSentFile records a by-file-identity fingerprint.
func (s *Store) InsertSentFile(ctx context.Context, conversationID string, hash uint64, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sent_file (conversation_id, file_hash, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, file_hash) DO UPDATE SET expires_at = excluded.expires_at
	`, conversationID, int64(hash), expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert sent file: %w", err)
	}
	return nil
}

// ConsumeSentFile deletes a live by-file-identity fingerprint.
func (s *Store) ConsumeSentFile(ctx context.Context, conversationID string, hash uint64, now time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM sent_file WHERE conversation_id = $1 AND file_hash = $2 AND expires_at > $3
	`, conversationID, int64(hash), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to consume sent file: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddPendingMedia increments the per-conversation pending-media counter and
// extends its expiry.
func (s *Store) AddPendingMedia(ctx context.Context, conversationID string, n int, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_media (conversation_id, count, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE
			SET count = pending_media.count + excluded.count,
			    expires_at = excluded.expires_at
	`, conversationID, n, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add pending media: %w", err)
	}
	return nil
}

// ConsumePendingMedia decrements a live pending-media counter by one unit and
// reports whether a unit was available. The row is removed once drained.
func (s *Store) ConsumePendingMedia(ctx context.Context, conversationID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE pending_media SET count = count - 1
		WHERE conversation_id = $1 AND count > 0 AND expires_at > $2
	`, conversationID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to consume pending media: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, _ = s.db.Exec(ctx, `DELETE FROM pending_media WHERE conversation_id = $1 AND count <= 0`, conversationID)
		return true, nil
	}
	return false, nil
}

// SweepExpired removes all fingerprint records past their expiry and returns
// how many rows were reclaimed. Safe to run concurrently with lookups.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	nowMS := now.UnixMilli()
	var total int64
	for _, query := range []string{
		`DELETE FROM sent_id WHERE expires_at <= $1`,
		`DELETE FROM sent_content WHERE expires_at <= $1`,
		`DELETE FROM sent_file WHERE expires_at <= $1`,
		`DELETE FROM pending_media WHERE expires_at <= $1`,
	} {
		res, err := s.db.Exec(ctx, query, nowMS)
		if err != nil {
			return total, fmt.Errorf("failed to sweep expired fingerprints: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
