// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default fingerprint lifetimes. Provider ids are unambiguous so they get a
// longer window; content, file-identity and counter records are heuristic
// tiers with a shorter one.
const (
	DefaultIDTTL        = 10 * time.Minute
	DefaultHeuristicTTL = 5 * time.Minute
)

// FingerprintStore is the durable tier of the echo suppression ledger.
type FingerprintStore interface {
	InsertSentID(ctx context.Context, messageID string, expiresAt time.Time) error
	ConsumeSentID(ctx context.Context, messageID string, now time.Time) (bool, error)
	InsertSentContent(ctx context.Context, conversationID string, hash uint64, expiresAt time.Time) error
	ConsumeSentContent(ctx context.Context, conversationID string, hash uint64, now time.Time) (bool, error)
	InsertSentFile(ctx context.Context, conversationID string, hash uint64, expiresAt time.Time) error
	ConsumeSentFile(ctx context.Context, conversationID string, hash uint64, now time.Time) (bool, error)
	AddPendingMedia(ctx context.Context, conversationID string, n int, expiresAt time.Time) error
	ConsumePendingMedia(ctx context.Context, conversationID string, now time.Time) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type hashKey struct {
	conversationID string
	hash           uint64
}

type pendingEntry struct {
	count     int
	expiresAt time.Time
}

// Ledger tracks "sent by this bridge" fingerprints so the platform's echo of
// an outbound send is suppressed exactly once. Records live in an in-memory
// TTL cache written through to the durable store, so suppression survives a
// restart within the TTL. Lookups consume: a fingerprint never suppresses
// more than one inbound event.
type Ledger struct {
	store FingerprintStore
	log   zerolog.Logger
	clock func() time.Time

	mu      sync.Mutex
	ids     map[string]time.Time
	content map[hashKey]time.Time
	files   map[hashKey]time.Time
	pending map[string]*pendingEntry
}

// NewLedger creates a ledger backed by the given fingerprint store.
func NewLedger(store FingerprintStore, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		log:     log.With().Str("component", "ledger").Logger(),
		clock:   time.Now,
		ids:     make(map[string]time.Time),
		content: make(map[hashKey]time.Time),
		files:   make(map[hashKey]time.Time),
		pending: make(map[string]*pendingEntry),
	}
}

func ttlOrDefault(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		return def
	}
	return ttl
}

// RecordSentID registers a provider-assigned message id returned by a
// successful send. A store error is logged but does not roll back the send;
// the echo may then leak through once.
func (l *Ledger) RecordSentID(ctx context.Context, messageID string, ttl time.Duration) {
	expiresAt := l.clock().Add(ttlOrDefault(ttl, DefaultIDTTL))
	l.mu.Lock()
	l.ids[messageID] = expiresAt
	l.mu.Unlock()
	if err := l.store.InsertSentID(ctx, messageID, expiresAt); err != nil {
		l.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to persist sent-id fingerprint")
	}
}

// RecordSentContent registers a content-hash fingerprint for sends whose
// platform did not return a stable id.
func (l *Ledger) RecordSentContent(ctx context.Context, conversationID, text string, ttl time.Duration) {
	expiresAt := l.clock().Add(ttlOrDefault(ttl, DefaultHeuristicTTL))
	key := hashKey{conversationID, HashContent(conversationID, text)}
	l.mu.Lock()
	l.content[key] = expiresAt
	l.mu.Unlock()
	if err := l.store.InsertSentContent(ctx, conversationID, key.hash, expiresAt); err != nil {
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist sent-content fingerprint")
	}
}

// RecordSentFileIdentity registers a (filename, size) fingerprint for media
// sends without a stable id.
func (l *Ledger) RecordSentFileIdentity(ctx context.Context, conversationID, filename string, size int64, ttl time.Duration) {
	expiresAt := l.clock().Add(ttlOrDefault(ttl, DefaultHeuristicTTL))
	key := hashKey{conversationID, HashFileIdentity(conversationID, filename, size)}
	l.mu.Lock()
	l.files[key] = expiresAt
	l.mu.Unlock()
	if err := l.store.InsertSentFile(ctx, conversationID, key.hash, expiresAt); err != nil {
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist sent-file fingerprint")
	}
}

// IncrementPendingMedia raises the per-conversation counter of media sends
// still awaiting their echo. Called before the sends are attempted, for
// bursts where neither id nor file identity is stable.
func (l *Ledger) IncrementPendingMedia(ctx context.Context, conversationID string, n int, ttl time.Duration) {
	expiresAt := l.clock().Add(ttlOrDefault(ttl, DefaultHeuristicTTL))
	l.mu.Lock()
	entry, ok := l.pending[conversationID]
	if !ok {
		entry = &pendingEntry{}
		l.pending[conversationID] = entry
	}
	entry.count += n
	entry.expiresAt = expiresAt
	l.mu.Unlock()
	if err := l.store.AddPendingMedia(ctx, conversationID, n, expiresAt); err != nil {
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist pending-media counter")
	}
}

// CancelPendingMedia quietly drops one provisional counter unit. Called when
// a send taken under the counter turns out to carry a better signal.
func (l *Ledger) CancelPendingMedia(ctx context.Context, conversationID string) {
	now := l.clock()
	l.mu.Lock()
	if entry, ok := l.pending[conversationID]; ok && entry.count > 0 {
		entry.count--
		if entry.count == 0 {
			delete(l.pending, conversationID)
		}
	}
	l.mu.Unlock()
	if _, err := l.store.ConsumePendingMedia(ctx, conversationID, now); err != nil {
		l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to cancel pending-media unit in store")
	}
}

// WasSentByID reports and consumes a by-id fingerprint.
func (l *Ledger) WasSentByID(ctx context.Context, messageID string) bool {
	now := l.clock()
	l.mu.Lock()
	expiresAt, cached := l.ids[messageID]
	if cached {
		delete(l.ids, messageID)
	}
	l.mu.Unlock()
	if cached && now.Before(expiresAt) {
		if _, err := l.store.ConsumeSentID(ctx, messageID, now); err != nil {
			l.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to consume sent-id fingerprint in store")
		}
		return true
	}
	ok, err := l.store.ConsumeSentID(ctx, messageID, now)
	if err != nil {
		// Fail-open: dropping a genuine message is worse than one duplicate.
		l.log.Error().Err(err).Str("message_id", messageID).Msg("Sent-id lookup failed, treating as not an echo")
		return false
	}
	return ok
}

// WasSentByContent reports and consumes a content-hash fingerprint.
func (l *Ledger) WasSentByContent(ctx context.Context, conversationID, text string) bool {
	now := l.clock()
	key := hashKey{conversationID, HashContent(conversationID, text)}
	l.mu.Lock()
	expiresAt, cached := l.content[key]
	if cached {
		delete(l.content, key)
	}
	l.mu.Unlock()
	if cached && now.Before(expiresAt) {
		if _, err := l.store.ConsumeSentContent(ctx, conversationID, key.hash, now); err != nil {
			l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to consume sent-content fingerprint in store")
		}
		return true
	}
	ok, err := l.store.ConsumeSentContent(ctx, conversationID, key.hash, now)
	if err != nil {
		l.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Sent-content lookup failed, treating as not an echo")
		return false
	}
	return ok
}

// WasSentByFileIdentity reports and consumes a file-identity fingerprint.
func (l *Ledger) WasSentByFileIdentity(ctx context.Context, conversationID, filename string, size int64) bool {
	now := l.clock()
	key := hashKey{conversationID, HashFileIdentity(conversationID, filename, size)}
	l.mu.Lock()
	expiresAt, cached := l.files[key]
	if cached {
		delete(l.files, key)
	}
	l.mu.Unlock()
	if cached && now.Before(expiresAt) {
		if _, err := l.store.ConsumeSentFile(ctx, conversationID, key.hash, now); err != nil {
			l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to consume sent-file fingerprint in store")
		}
		return true
	}
	ok, err := l.store.ConsumeSentFile(ctx, conversationID, key.hash, now)
	if err != nil {
		l.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Sent-file lookup failed, treating as not an echo")
		return false
	}
	return ok
}

// ShouldSuppressOwnMedia consumes one unit from the pending-media counter if
// the event is self-authored and a unit is available. Last-resort tier for
// multi-attachment bursts with no other stable signal.
func (l *Ledger) ShouldSuppressOwnMedia(ctx context.Context, conversationID string, isSelfSender bool) bool {
	if !isSelfSender {
		return false
	}
	now := l.clock()
	l.mu.Lock()
	entry, cached := l.pending[conversationID]
	if cached && entry.count > 0 && now.Before(entry.expiresAt) {
		entry.count--
		if entry.count == 0 {
			delete(l.pending, conversationID)
		}
		l.mu.Unlock()
		if _, err := l.store.ConsumePendingMedia(ctx, conversationID, now); err != nil {
			l.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to consume pending-media unit in store")
		}
		return true
	}
	if cached && !now.Before(entry.expiresAt) {
		delete(l.pending, conversationID)
	}
	l.mu.Unlock()
	ok, err := l.store.ConsumePendingMedia(ctx, conversationID, now)
	if err != nil {
		l.log.Error().Err(err).Str("conversation_id", conversationID).Msg("Pending-media lookup failed, treating as not an echo")
		return false
	}
	return ok
}

// SweepExpired drops all expired records from both tiers.
func (l *Ledger) SweepExpired(ctx context.Context) {
	now := l.clock()
	l.mu.Lock()
	for id, exp := range l.ids {
		if !now.Before(exp) {
			delete(l.ids, id)
		}
	}
	for key, exp := range l.content {
		if !now.Before(exp) {
			delete(l.content, key)
		}
	}
	for key, exp := range l.files {
		if !now.Before(exp) {
			delete(l.files, key)
		}
	}
	for conv, entry := range l.pending {
		if !now.Before(entry.expiresAt) {
			delete(l.pending, conv)
		}
	}
	l.mu.Unlock()
	n, err := l.store.SweepExpired(ctx, now)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to sweep expired fingerprints")
		return
	}
	if n > 0 {
		l.log.Debug().Int64("swept", n).Msg("Swept expired fingerprints")
	}
}

// RunSweeper sweeps expired records on a ticker until the context is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SweepExpired(ctx)
		}
	}
}
