// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MappingStore is the durable tier of the chat mapping registry.
type MappingStore interface {
	GetMapping(ctx context.Context, conversationID string) (*ChatMapping, error)
	GetMappingByChannel(ctx context.Context, channelID string) (*ChatMapping, error)
	ListMappings(ctx context.Context) ([]*ChatMapping, error)
	InsertMapping(ctx context.Context, m *ChatMapping) error
	UpdateChannelID(ctx context.Context, conversationID, channelID string) error
	SetMuted(ctx context.Context, conversationID string, muted bool) error
	TouchActivity(ctx context.Context, conversationID string, ts time.Time) error
	PurgeMappings(ctx context.Context) ([]string, error)
}

// ChannelCreator is the slice of the channel platform the registry needs to
// keep mappings bound to live channels.
type ChannelCreator interface {
	CreateChannel(ctx context.Context, name string, kind ConversationKind) (string, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// Registry owns the conversation→channel bindings. A mapping is only
// persisted once its channel has been created, so there is never a mapping
// pointing at a channel that was never made; the one repair path is a bound
// channel deleted externally, which gets replaced in place.
type Registry struct {
	store    MappingStore
	channels ChannelCreator
	log      zerolog.Logger

	// purgeMu is held read-side by CreateOrGetChannel and write-side by
	// PurgeAll, so no mapping can be created mid-purge and silently
	// dropped. Creation itself is serialized per conversation through
	// convMu; platform calls for one conversation never block another.
	purgeMu sync.RWMutex

	convMuMu sync.Mutex
	convMu   map[string]*sync.Mutex
}

// NewRegistry creates a registry over the given store and channel platform.
func NewRegistry(store MappingStore, channels ChannelCreator, log zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		channels: channels,
		convMu:   make(map[string]*sync.Mutex),
		log:      log.With().Str("component", "registry").Logger(),
	}
}

func (r *Registry) conversationLock(conversationID string) *sync.Mutex {
	r.convMuMu.Lock()
	defer r.convMuMu.Unlock()
	mu, ok := r.convMu[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		r.convMu[conversationID] = mu
	}
	return mu
}

// GetMapping returns the mapping for a conversation, or nil if none exists.
func (r *Registry) GetMapping(ctx context.Context, conversationID string) (*ChatMapping, error) {
	return r.store.GetMapping(ctx, conversationID)
}

// GetMappingByChannel returns the mapping bound to a channel, or nil.
func (r *Registry) GetMappingByChannel(ctx context.Context, channelID string) (*ChatMapping, error) {
	return r.store.GetMappingByChannel(ctx, channelID)
}

// CreateOrGetChannel returns the channel bound to a conversation, creating
// the channel and mapping on first contact. Idempotent: an existing mapping
// whose channel is still alive is returned as-is with last-activity bumped;
// an externally deleted channel is replaced and the mapping updated in place.
func (r *Registry) CreateOrGetChannel(ctx context.Context, conversationID, displayName string, kind ConversationKind) (string, error) {
	r.purgeMu.RLock()
	defer r.purgeMu.RUnlock()
	mu := r.conversationLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.store.GetMapping(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to look up mapping: %w", err)
	}
	if existing != nil {
		alive, err := r.channels.ChannelExists(ctx, existing.ChannelID)
		if err != nil {
			return "", fmt.Errorf("failed to check channel %s: %w", existing.ChannelID, err)
		}
		if alive {
			if err := r.store.TouchActivity(ctx, conversationID, time.Now()); err != nil {
				r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to bump last-activity")
			}
			return existing.ChannelID, nil
		}
		r.log.Warn().
			Str("conversation_id", conversationID).
			Str("channel_id", existing.ChannelID).
			Msg("Bound channel deleted externally, creating replacement")
		channelID, err := r.channels.CreateChannel(ctx, displayName, kind)
		if err != nil {
			return "", fmt.Errorf("failed to create replacement channel: %w", err)
		}
		if err := r.store.UpdateChannelID(ctx, conversationID, channelID); err != nil {
			return "", fmt.Errorf("failed to repoint mapping: %w", err)
		}
		return channelID, nil
	}

	channelID, err := r.channels.CreateChannel(ctx, displayName, kind)
	if err != nil {
		return "", fmt.Errorf("failed to create channel: %w", err)
	}
	now := time.Now()
	m := &ChatMapping{
		ConversationID: conversationID,
		ChannelID:      channelID,
		DisplayName:    displayName,
		Kind:           kind,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := r.store.InsertMapping(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist mapping: %w", err)
	}
	r.log.Info().
		Str("conversation_id", conversationID).
		Str("channel_id", channelID).
		Str("kind", string(kind)).
		Msg("Created mapping")
	return channelID, nil
}

// SetMuted flips the per-conversation mute flag.
func (r *Registry) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return r.store.SetMuted(ctx, conversationID, muted)
}

// IsMuted reports the per-conversation mute flag; unknown conversations are
// not muted.
func (r *Registry) IsMuted(ctx context.Context, conversationID string) bool {
	m, err := r.store.GetMapping(ctx, conversationID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Mute lookup failed, treating as unmuted")
		return false
	}
	return m != nil && m.Muted
}

// TouchActivity bumps last-activity and the message counter after a relay.
func (r *Registry) TouchActivity(ctx context.Context, conversationID string) error {
	return r.store.TouchActivity(ctx, conversationID, time.Now())
}

// ListByActivity returns all mappings, most recently active first.
func (r *Registry) ListByActivity(ctx context.Context) ([]*ChatMapping, error) {
	return r.store.ListMappings(ctx)
}

// PurgeAll deletes every mapping and returns the previously bound channel
// ids so the caller can tear the channels down. Atomic with respect to
// concurrent mapping creation.
func (r *Registry) PurgeAll(ctx context.Context) ([]string, error) {
	r.purgeMu.Lock()
	defer r.purgeMu.Unlock()
	channels, err := r.store.PurgeMappings(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info().Int("count", len(channels)).Msg("Purged all mappings")
	return channels, nil
}
