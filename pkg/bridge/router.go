// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SourceClient is the conversation-platform adapter consumed by the router.
type SourceClient interface {
	Downloader
	SendText(ctx context.Context, conversationID, text string) (SendResult, error)
	SendFile(ctx context.Context, conversationID, filename string, data []byte, caption string) (SendResult, error)
	GetConversationInfo(ctx context.Context, conversationID string) (*ConversationInfo, error)
	ListConversations(ctx context.Context) ([]*ConversationInfo, error)
	React(ctx context.Context, conversationID, messageID, emoji string) error
	BlockContact(ctx context.Context, conversationID string) error
	UnblockContact(ctx context.Context, conversationID string) error
}

// TargetClient is the channel-platform adapter consumed by the router.
type TargetClient interface {
	ChannelCreator
	DeleteChannel(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID string, msg *RenderedMessage) (string, error)
	SendAttachment(ctx context.Context, channelID string, att *Attachment, msg *RenderedMessage) (string, error)
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// QuoteStore persists quote references for reply-context reconstruction.
type QuoteStore interface {
	InsertQuote(ctx context.Context, q *QuoteReference) error
	GetQuote(ctx context.Context, conversationID, messageID string) (*QuoteReference, error)
}

// StateStore persists the global bridge-state row.
type StateStore interface {
	GetPaused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	GetVerbosity(ctx context.Context) (int, error)
	SetVerbosity(ctx context.Context, v int) error
}

// HistoryStore is the append-only relay history and cross-platform id link.
type HistoryStore interface {
	AppendLog(ctx context.Context, e *LogEntry) error
	GetCounterpartID(ctx context.Context, messageID string) (string, error)
	GetMessageIDByCounterpart(ctx context.Context, counterpartID string) (string, error)
	LogStats(ctx context.Context) (inbound, outbound int64, err error)
}

// RouterConfig carries the router's tunables.
type RouterConfig struct {
	// CommandPrefix gates the administrative command layer, e.g. "!bridge".
	CommandPrefix string
	// IDTTL and HeuristicTTL override the ledger's default fingerprint
	// lifetimes when positive.
	IDTTL        time.Duration
	HeuristicTTL time.Duration
}

// RouterDeps bundles the router's collaborators.
type RouterDeps struct {
	Registry *Registry
	Ledger   *Ledger
	Locks    *Serializer
	Media    *MediaPipeline
	Quotes   QuoteStore
	State    StateStore
	History  HistoryStore
	Source   SourceClient
	Target   TargetClient
}

// Router consumes inbound events from both platforms, classifies them and
// drives outbound calls through the adapters. It owns no state itself; the
// registry, ledger and serializer each guard their own records.
type Router struct {
	RouterDeps
	cfg    RouterConfig
	log    zerolog.Logger
	paused atomic.Bool
}

// NewRouter wires a router. Call LoadState before handling events so the
// paused flag survives restarts.
func NewRouter(deps RouterDeps, cfg RouterConfig, log zerolog.Logger) *Router {
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!bridge"
	}
	return &Router{
		RouterDeps: deps,
		cfg:        cfg,
		log:        log.With().Str("component", "router").Logger(),
	}
}

// LoadState restores the persisted paused flag.
func (r *Router) LoadState(ctx context.Context) error {
	paused, err := r.State.GetPaused(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bridge state: %w", err)
	}
	r.paused.Store(paused)
	return nil
}

// Paused reports the cached global pause flag.
func (r *Router) Paused() bool {
	return r.paused.Load()
}

// SetPaused updates the pause flag in the store and the cache.
func (r *Router) SetPaused(ctx context.Context, paused bool) error {
	if err := r.State.SetPaused(ctx, paused); err != nil {
		return err
	}
	r.paused.Store(paused)
	return nil
}

// HandleSourceMessage routes one inbound event from the conversation
// platform. Per-event processing is isolated: a panic is logged and only
// that event is lost.
func (r *Router) HandleSourceMessage(evt *InboundEvent) {
	r.handleSourceMessage(evt, true)
}

// handleDeferredSourceMessage processes an event drained from the deferred
// queue. The drain itself keeps conversation order, so the locked check must
// not requeue the event.
func (r *Router) handleDeferredSourceMessage(evt *InboundEvent) {
	r.handleSourceMessage(evt, false)
}

func (r *Router) handleSourceMessage(evt *InboundEvent, deferWhenLocked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("conversation_id", evt.ConversationID).
				Str("event_kind", string(evt.Kind)).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling source event")
		}
	}()

	ctx := context.Background()
	log := r.log.With().
		Str("conversation_id", evt.ConversationID).
		Str("message_id", evt.MessageID).
		Logger()

	// Administrative commands from the bridge's own account pass mute and
	// pause.
	if evt.IsSelf && r.isCommand(evt.Text) {
		r.dispatchCommand(ctx, evt.Text, commandScope{conversationID: evt.ConversationID}, func(reply string) {
			if err := r.SendToConversation(ctx, evt.ConversationID, reply); err != nil {
				log.Warn().Err(err).Msg("Failed to send command reply")
			}
		})
		return
	}

	if r.Paused() {
		log.Debug().Msg("Bridge paused, dropping event")
		return
	}

	if deferWhenLocked && r.Locks.IsLocked(evt.ConversationID) {
		r.Locks.DeferInbound(evt.ConversationID, evt, r.handleDeferredSourceMessage)
		return
	}

	if r.Registry.IsMuted(ctx, evt.ConversationID) {
		log.Debug().Msg("Conversation muted, dropping event")
		return
	}

	if evt.IsSelf && r.isEcho(ctx, evt) {
		log.Debug().Msg("Suppressed echo of own send")
		return
	}

	if err := r.forwardToChannel(ctx, evt); err != nil {
		log.Error().Err(err).Msg("Failed to forward event to channel")
		// User-visible failure marker on the originating message.
		if evt.MessageID != "" {
			if rerr := r.Source.React(ctx, evt.ConversationID, evt.MessageID, "warning"); rerr != nil {
				log.Debug().Err(rerr).Msg("Failed to set failure reaction")
			}
		}
	}
}

// isEcho consults the ledger in reliability order: provider id, file
// identity, content hash, pending-media counter. The first match consumes
// its fingerprint and wins.
func (r *Router) isEcho(ctx context.Context, evt *InboundEvent) bool {
	if evt.MessageID != "" && r.Ledger.WasSentByID(ctx, evt.MessageID) {
		return true
	}
	if evt.Media != nil && r.Ledger.WasSentByFileIdentity(ctx, evt.ConversationID, evt.Media.Filename, evt.Media.Size) {
		return true
	}
	if evt.Text != "" && r.Ledger.WasSentByContent(ctx, evt.ConversationID, evt.Text) {
		return true
	}
	if evt.Media != nil && r.Ledger.ShouldSuppressOwnMedia(ctx, evt.ConversationID, evt.IsSelf) {
		return true
	}
	return false
}

// forwardToChannel relays one conversation-platform event to its bound
// channel, creating the channel on first contact.
func (r *Router) forwardToChannel(ctx context.Context, evt *InboundEvent) error {
	displayName, kind := r.conversationIdentity(ctx, evt)
	channelID, err := r.Registry.CreateOrGetChannel(ctx, evt.ConversationID, displayName, kind)
	if err != nil {
		return fmt.Errorf("failed to resolve channel: %w", err)
	}

	rendered := r.render(evt)
	if evt.QuotedID != "" {
		if q, err := r.Quotes.GetQuote(ctx, evt.ConversationID, evt.QuotedID); err == nil && q != nil {
			rendered.Quoted = fmt.Sprintf("%s: %s", q.Author, q.Body)
		}
	}

	var counterpartID string
	if evt.Media != nil {
		counterpartID, err = r.forwardMedia(ctx, channelID, evt, rendered)
	} else {
		counterpartID, err = r.Target.SendMessage(ctx, channelID, rendered)
	}
	if err != nil {
		return fmt.Errorf("failed to send to channel %s: %w", channelID, err)
	}

	if evt.MessageID != "" {
		if err := r.Quotes.InsertQuote(ctx, &QuoteReference{
			ConversationID: evt.ConversationID,
			MessageID:      evt.MessageID,
			Author:         rendered.Author,
			Body:           quoteBody(evt),
			CreatedAt:      time.Now(),
		}); err != nil {
			r.log.Warn().Err(err).Msg("Failed to record quote reference")
		}
	}
	if err := r.Registry.TouchActivity(ctx, evt.ConversationID); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", evt.ConversationID).Msg("Failed to bump activity")
	}
	if err := r.History.AppendLog(ctx, &LogEntry{
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
		CounterpartID:  counterpartID,
		Direction:      DirectionIn,
		Kind:           evt.Kind,
		Author:         rendered.Author,
		Body:           evt.Text,
		Timestamp:      evt.Timestamp,
	}); err != nil {
		r.log.Warn().Err(err).Msg("Failed to append history")
	}
	return nil
}

// forwardMedia runs the media pipeline for one payload. Any pipeline
// failure downgrades the relay to a text notice carrying the reason; the
// staged temp file is cleaned up on every path.
func (r *Router) forwardMedia(ctx context.Context, channelID string, evt *InboundEvent, rendered *RenderedMessage) (string, error) {
	file, err := r.Media.Ingest(ctx, evt.Media, evt.Kind)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", evt.ConversationID).Msg("Media ingest failed, sending text fallback")
		rendered.Body = mediaFallback(evt, err.Error())
		return r.Target.SendMessage(ctx, channelID, rendered)
	}
	file = r.Media.ConvertForCompatibility(ctx, file)
	defer r.Media.Cleanup(file.Path)

	att, perr := r.Media.PrepareForChannel(file)
	if perr != nil {
		r.log.Warn().Str("reason", perr.Reason).Str("conversation_id", evt.ConversationID).Msg("Attachment preparation failed, sending text fallback")
		rendered.Body = mediaFallback(evt, perr.Reason)
		return r.Target.SendMessage(ctx, channelID, rendered)
	}
	return r.Target.SendAttachment(ctx, channelID, att, rendered)
}

// HandleChannelMessage routes one message from the channel platform out to
// its conversation, wrapped in lock/send/register/unlock.
func (r *Router) HandleChannelMessage(evt *ChannelEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("channel_id", evt.ChannelID).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling channel event")
		}
	}()

	ctx := context.Background()
	log := r.log.With().Str("channel_id", evt.ChannelID).Str("event_id", evt.EventID).Logger()

	if r.isCommand(evt.Body) {
		r.dispatchCommand(ctx, evt.Body, commandScope{channelID: evt.ChannelID}, func(reply string) {
			if _, err := r.Target.SendMessage(ctx, evt.ChannelID, &RenderedMessage{Body: reply}); err != nil {
				log.Warn().Err(err).Msg("Failed to send command reply")
			}
		})
		return
	}

	if r.Paused() {
		log.Debug().Msg("Bridge paused, dropping channel event")
		return
	}

	mapping, err := r.Registry.GetMappingByChannel(ctx, evt.ChannelID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve channel mapping")
		return
	}
	if mapping == nil {
		log.Debug().Msg("No mapping for channel, ignoring")
		return
	}
	if mapping.Muted {
		log.Debug().Msg("Conversation muted, dropping channel event")
		return
	}

	if evt.Attachment != nil {
		err = r.sendAttachmentLocked(ctx, mapping.ConversationID, evt.Attachment, evt.Body, evt.EventID)
	} else {
		err = r.sendTextLocked(ctx, mapping.ConversationID, evt.Body, evt.EventID)
	}
	if err != nil {
		log.Error().Err(err).Str("conversation_id", mapping.ConversationID).Msg("Failed to relay channel message")
		if rerr := r.Target.React(ctx, evt.ChannelID, evt.EventID, "⚠️"); rerr != nil {
			log.Debug().Err(rerr).Msg("Failed to set failure reaction")
		}
	}
}

// SendToConversation relays plain text to a conversation with full echo
// protection. Used by the channel relay path and the command layer.
func (r *Router) SendToConversation(ctx context.Context, conversationID, text string) error {
	return r.sendTextLocked(ctx, conversationID, text, "")
}

func (r *Router) sendTextLocked(ctx context.Context, conversationID, text, counterpartID string) error {
	r.Locks.Lock(conversationID)
	defer r.Locks.Unlock(conversationID)

	res, err := r.Source.SendText(ctx, conversationID, text)
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("platform rejected text send to %s", conversationID)
	}
	if res.MessageID != "" {
		r.Ledger.RecordSentID(ctx, res.MessageID, r.cfg.IDTTL)
	} else {
		r.Ledger.RecordSentContent(ctx, conversationID, text, r.cfg.HeuristicTTL)
	}
	r.recordOutbound(ctx, conversationID, res.MessageID, counterpartID, KindText, text)
	return nil
}

func (r *Router) sendAttachmentLocked(ctx context.Context, conversationID string, att *Attachment, caption, counterpartID string) error {
	r.Locks.Lock(conversationID)
	defer r.Locks.Unlock(conversationID)

	// Provisional counter unit covering only the in-flight window: if the
	// process dies mid-send, the persisted unit still suppresses the echo
	// after restart. Every live exit path either records a better
	// fingerprint or reports failure, so the unit is always dropped on the
	// way out, while the conversation lock still holds echoes deferred.
	r.Ledger.IncrementPendingMedia(ctx, conversationID, 1, r.cfg.HeuristicTTL)
	defer r.Ledger.CancelPendingMedia(ctx, conversationID)

	res, err := r.Source.SendFile(ctx, conversationID, att.Filename, att.Data, caption)
	if err != nil {
		return fmt.Errorf("failed to send attachment: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("platform rejected attachment send to %s", conversationID)
	}
	if res.MessageID != "" {
		r.Ledger.RecordSentID(ctx, res.MessageID, r.cfg.IDTTL)
	} else {
		r.Ledger.RecordSentFileIdentity(ctx, conversationID, att.Filename, int64(len(att.Data)), r.cfg.HeuristicTTL)
	}
	r.recordOutbound(ctx, conversationID, res.MessageID, counterpartID, att.Kind, caption)
	return nil
}

func (r *Router) recordOutbound(ctx context.Context, conversationID, messageID, counterpartID string, kind MessageKind, body string) {
	if err := r.Registry.TouchActivity(ctx, conversationID); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to bump activity")
	}
	if messageID != "" {
		if err := r.Quotes.InsertQuote(ctx, &QuoteReference{
			ConversationID: conversationID,
			MessageID:      messageID,
			Author:         "you",
			Body:           body,
			CreatedAt:      time.Now(),
		}); err != nil {
			r.log.Warn().Err(err).Msg("Failed to record outbound quote reference")
		}
	}
	if err := r.History.AppendLog(ctx, &LogEntry{
		ConversationID: conversationID,
		MessageID:      messageID,
		CounterpartID:  counterpartID,
		Direction:      DirectionOut,
		Kind:           kind,
		Body:           body,
		Timestamp:      time.Now(),
	}); err != nil {
		r.log.Warn().Err(err).Msg("Failed to append history")
	}
}

// HandleSourceReaction relays a third-party reaction on the conversation
// platform to the bound channel.
func (r *Router) HandleSourceReaction(evt *ReactionEvent) {
	if r.Paused() || evt.IsSelf {
		return
	}
	ctx := context.Background()
	counterpart, err := r.History.GetCounterpartID(ctx, evt.TargetID)
	if err != nil || counterpart == "" {
		return
	}
	mapping, err := r.Registry.GetMapping(ctx, evt.ConversationID)
	if err != nil || mapping == nil || mapping.Muted {
		return
	}
	if err := r.Target.React(ctx, mapping.ChannelID, counterpart, evt.Emoji); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", evt.ConversationID).Msg("Failed to relay reaction to channel")
	}
}

// HandleChannelReaction relays a channel-platform reaction back to the
// original message on the conversation platform.
func (r *Router) HandleChannelReaction(evt *ReactionEvent) {
	if r.Paused() {
		return
	}
	ctx := context.Background()
	mapping, err := r.Registry.GetMappingByChannel(ctx, evt.ChannelID)
	if err != nil || mapping == nil || mapping.Muted {
		return
	}
	messageID, err := r.History.GetMessageIDByCounterpart(ctx, evt.TargetID)
	if err != nil || messageID == "" {
		return
	}
	if err := r.Source.React(ctx, mapping.ConversationID, messageID, evt.Emoji); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", mapping.ConversationID).Msg("Failed to relay reaction to conversation")
	}
}

// SyncConversations pre-creates mappings and channels for the account's
// existing conversations at startup.
func (r *Router) SyncConversations(ctx context.Context) {
	convs, err := r.Source.ListConversations(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to list conversations for sync")
		return
	}
	r.log.Info().Int("count", len(convs)).Msg("Syncing conversations")
	for _, conv := range convs {
		if _, err := r.Registry.CreateOrGetChannel(ctx, conv.ID, conv.DisplayName, conv.Kind); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to sync conversation")
		}
	}
}

// PurgeAll tears down every mapping and its bound channel, returning how
// many channels were deleted.
func (r *Router) PurgeAll(ctx context.Context) (int, error) {
	channels, err := r.Registry.PurgeAll(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, channelID := range channels {
		if err := r.Target.DeleteChannel(ctx, channelID); err != nil {
			r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to tear down channel")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// conversationIdentity resolves the display name and kind used when the
// mapping does not exist yet.
func (r *Router) conversationIdentity(ctx context.Context, evt *InboundEvent) (string, ConversationKind) {
	mapping, err := r.Registry.GetMapping(ctx, evt.ConversationID)
	if err == nil && mapping != nil {
		return mapping.DisplayName, mapping.Kind
	}
	info, err := r.Source.GetConversationInfo(ctx, evt.ConversationID)
	if err != nil || info == nil {
		r.log.Warn().Err(err).Str("conversation_id", evt.ConversationID).Msg("Failed to fetch conversation info, using sender name")
		return evt.SenderName, ConversationDirect
	}
	return info.DisplayName, info.Kind
}

// render builds the structured representation forwarded to the channel
// platform.
func (r *Router) render(evt *InboundEvent) *RenderedMessage {
	author := evt.SenderName
	if author == "" {
		author = evt.SenderID
	}
	caption := ""
	if evt.Media != nil {
		caption = evt.Text
	}
	return &RenderedMessage{
		Author:    author,
		ColorTag:  colorTag(evt.SenderID),
		Body:      evt.Text,
		Icon:      evt.Kind.Icon(),
		Caption:   caption,
		Timestamp: evt.Timestamp,
		FromSelf:  evt.IsSelf,
	}
}

func (r *Router) isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.cfg.CommandPrefix)
}

// mediaFallback is the text notice sent when a payload cannot be relayed.
func mediaFallback(evt *InboundEvent, reason string) string {
	name := ""
	if evt.Media != nil {
		name = evt.Media.Filename
	}
	notice := fmt.Sprintf("⚠️ %s %s could not be relayed: %s", evt.Kind, name, reason)
	if evt.Text != "" {
		notice += "\n" + evt.Text
	}
	return notice
}

// quoteBody is the snippet stored for later quoted-context rendering.
func quoteBody(evt *InboundEvent) string {
	if evt.Text != "" {
		return evt.Text
	}
	if evt.Media != nil {
		return fmt.Sprintf("[%s] %s", evt.Kind, evt.Media.Filename)
	}
	return "[" + string(evt.Kind) + "]"
}

// colorPalette is the set of identity tags cycled across senders.
var colorPalette = []string{
	"#d32f2f", "#7b1fa2", "#303f9f", "#0288d1",
	"#00796b", "#689f38", "#f57c00", "#5d4037",
}

// colorTag deterministically assigns a sender one of the palette colors.
func colorTag(senderID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}
