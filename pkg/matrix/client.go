// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// Handlers receives normalized events from the sync loop.
type Handlers struct {
	OnMessage  func(*bridge.ChannelEvent)
	OnReaction func(*bridge.ReactionEvent)
}

// Client is the Matrix side of the bridge: one bot account that owns the
// per-conversation rooms.
type Client struct {
	api      *mautrix.Client
	spaceID  id.RoomID
	inviteID id.UserID
	handlers Handlers

	// startedAt filters out events replayed by the initial sync.
	startedAt time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	log      zerolog.Logger
}

var _ bridge.TargetClient = (*Client)(nil)

// NewClient builds a client from config.
func NewClient(cfg bridge.MatrixConfig, handlers Handlers, log zerolog.Logger) (*Client, error) {
	api, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &Client{
		api:      api,
		spaceID:  id.RoomID(cfg.SpaceID),
		inviteID: id.UserID(cfg.InviteUserID),
		handlers: handlers,
		log:      log.With().Str("component", "matrix_client").Logger(),
	}, nil
}

// Connect verifies the token and starts the sync loop in the background.
func (c *Client) Connect(ctx context.Context) error {
	whoami, err := c.api.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify matrix session: %w", err)
	}
	c.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated to Matrix")

	c.startedAt = time.Now()
	syncer := c.api.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	syncCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.api.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			c.log.Error().Err(err).Msg("Matrix sync loop exited")
		}
	}()
	return nil
}

// Disconnect stops the sync loop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if c.handlers.OnMessage == nil || c.skip(evt) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	channelEvt := &bridge.ChannelEvent{
		ChannelID:  evt.RoomID.String(),
		EventID:    evt.ID.String(),
		SenderName: evt.Sender.Localpart(),
		Body:       content.Body,
		Kind:       kindFromMsgType(content.MsgType),
		Timestamp:  time.UnixMilli(evt.Timestamp),
	}
	if content.URL != "" {
		att, err := c.downloadAttachment(ctx, content)
		if err != nil {
			c.log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to download attachment")
			return
		}
		channelEvt.Attachment = att
		// For media events the body is the filename, not a caption.
		channelEvt.Body = ""
	}
	c.handlers.OnMessage(channelEvt)
}

func (c *Client) handleReaction(_ context.Context, evt *event.Event) {
	if c.handlers.OnReaction == nil || c.skip(evt) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}
	c.handlers.OnReaction(&bridge.ReactionEvent{
		ChannelID: evt.RoomID.String(),
		TargetID:  content.RelatesTo.EventID.String(),
		Emoji:     content.RelatesTo.Key,
	})
}

// skip filters the bot's own events and anything replayed from before this
// session started.
func (c *Client) skip(evt *event.Event) bool {
	if evt.Sender == c.api.UserID {
		return true
	}
	return time.UnixMilli(evt.Timestamp).Before(c.startedAt)
}

func (c *Client) downloadAttachment(ctx context.Context, content *event.MessageEventContent) (*bridge.Attachment, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI: %w", err)
	}
	data, err := c.api.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	att := &bridge.Attachment{
		Filename: content.Body,
		Data:     data,
		Kind:     kindFromMsgType(content.MsgType),
	}
	if content.Info != nil {
		att.MimeType = content.Info.MimeType
		att.Width = content.Info.Width
		att.Height = content.Info.Height
	}
	return att, nil
}

// CreateChannel makes a private room for one conversation and files it
// under the configured space.
func (c *Client) CreateChannel(ctx context.Context, name string, kind bridge.ConversationKind) (string, error) {
	req := &mautrix.ReqCreateRoom{
		Name:     name,
		Topic:    "Bridged conversation",
		Preset:   "private_chat",
		IsDirect: kind == bridge.ConversationDirect,
	}
	if c.inviteID != "" {
		req.Invite = []id.UserID{c.inviteID}
	}
	resp, err := c.api.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	if c.spaceID != "" {
		_, err = c.api.SendStateEvent(ctx, c.spaceID, event.StateSpaceChild, resp.RoomID.String(), &event.SpaceChildEventContent{
			Via: []string{c.api.UserID.Homeserver()},
		})
		if err != nil {
			c.log.Warn().Err(err).Str("room_id", resp.RoomID.String()).Msg("Failed to file room under space")
		}
	}
	c.log.Info().Str("room_id", resp.RoomID.String()).Str("name", name).Msg("Created room")
	return resp.RoomID.String(), nil
}

// ChannelExists probes whether the bot is still joined to a room.
func (c *Client) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	_, err := c.api.JoinedMembers(ctx, id.RoomID(channelID))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe room %s: %w", channelID, err)
	}
	return true, nil
}

// DeleteChannel leaves and forgets a room. Matrix rooms cannot be deleted
// by a member; leave plus forget is the teardown a bot account can do.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	roomID := id.RoomID(channelID)
	if _, err := c.api.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave room %s: %w", channelID, err)
	}
	if _, err := c.api.ForgetRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to forget room %s: %w", channelID, err)
	}
	return nil
}

// SendMessage posts a rendered message into a room.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg *bridge.RenderedMessage) (string, error) {
	resp, err := c.api.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, renderContent(msg))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// SendAttachment uploads the payload and posts a media event carrying the
// rendered caption.
func (c *Client) SendAttachment(ctx context.Context, channelID string, att *bridge.Attachment, msg *bridge.RenderedMessage) (string, error) {
	upload, err := c.api.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: att.Data,
		ContentType:  att.MimeType,
		FileName:     att.Filename,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	content := attachmentContent(att, msg, upload.ContentURI)
	resp, err := c.api.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send media event: %w", err)
	}
	return resp.EventID.String(), nil
}

// React puts an emoji annotation on an event.
func (c *Client) React(ctx context.Context, channelID, messageID, emoji string) error {
	_, err := c.api.SendReaction(ctx, id.RoomID(channelID), id.EventID(messageID), emoji)
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}
