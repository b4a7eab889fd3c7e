// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// Handlers receives normalized events from the websocket feed.
type Handlers struct {
	OnMessage  func(*bridge.InboundEvent)
	OnReaction func(*bridge.ReactionEvent)
}

// Client is the Mattermost side of the bridge: one authenticated session on
// the bridged account, watching its own post feed over a websocket.
type Client struct {
	api       *model.Client4
	wsClient  *model.WebSocketClient
	serverURL string
	userID    string
	teamID    string
	handlers  Handlers

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ bridge.SourceClient = (*Client)(nil)

// NewClient builds a client from config. Connect must be called before the
// event feed starts.
func NewClient(cfg bridge.MattermostConfig, handlers Handlers, log zerolog.Logger) *Client {
	api := model.NewAPIv4Client(cfg.ServerURL)
	api.SetToken(cfg.Token)
	return &Client{
		api:       api,
		serverURL: cfg.ServerURL,
		userID:    cfg.UserID,
		teamID:    cfg.TeamID,
		handlers:  handlers,
		stopChan:  make(chan struct{}),
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the session and starts the websocket feed.
func (m *Client) Connect(ctx context.Context) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")

	me, _, err := m.api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	if m.userID == "" {
		m.userID = me.Id
	} else if m.userID != me.Id {
		return fmt.Errorf("token belongs to user %s, config says %s", me.Id, m.userID)
	}
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if m.teamID == "" {
		teams, _, err := m.api.GetTeamsForUser(ctx, m.userID, "")
		if err != nil {
			return fmt.Errorf("failed to get teams: %w", err)
		}
		if len(teams) > 0 {
			m.teamID = teams[0].Id
		}
	}

	if err := m.connectWebSocket(); err != nil {
		return err
	}
	return nil
}

func (m *Client) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	var err error
	m.wsClient, err = model.NewWebSocketClient4(wsURL, m.api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	m.wsClient.Listen()

	go m.listenWebSocket()

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (m *Client) listenWebSocket() {
	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.wsClient.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				m.handleWebSocketDisconnect()
				return
			}
			if event == nil {
				continue
			}
			m.handleEvent(event)
		}
	}
}

func (m *Client) handleWebSocketDisconnect() {
	select {
	case <-m.stopChan:
		return
	default:
	}
	for {
		if err := m.connectWebSocket(); err == nil {
			return
		} else {
			m.log.Error().Err(err).Msg("Failed to reconnect WebSocket, retrying")
		}
		select {
		case <-m.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Disconnect closes the websocket and stops the event loop.
func (m *Client) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
}

// SendText posts plain text into a channel.
func (m *Client) SendText(ctx context.Context, conversationID, text string) (bridge.SendResult, error) {
	post, _, err := m.api.CreatePost(ctx, &model.Post{
		ChannelId: conversationID,
		Message:   text,
	})
	if err != nil {
		return bridge.SendResult{}, fmt.Errorf("failed to create post: %w", err)
	}
	return bridge.SendResult{MessageID: post.Id, OK: true}, nil
}

// SendFile uploads a file and posts it with an optional caption.
func (m *Client) SendFile(ctx context.Context, conversationID, filename string, data []byte, caption string) (bridge.SendResult, error) {
	upload, _, err := m.api.UploadFile(ctx, data, conversationID, filename)
	if err != nil {
		return bridge.SendResult{}, fmt.Errorf("failed to upload file: %w", err)
	}
	if len(upload.FileInfos) == 0 {
		return bridge.SendResult{}, fmt.Errorf("upload of %s returned no file info", filename)
	}
	post, _, err := m.api.CreatePost(ctx, &model.Post{
		ChannelId: conversationID,
		Message:   caption,
		FileIds:   []string{upload.FileInfos[0].Id},
	})
	if err != nil {
		return bridge.SendResult{}, fmt.Errorf("failed to create file post: %w", err)
	}
	return bridge.SendResult{MessageID: post.Id, OK: true}, nil
}

// DownloadFile fetches a file's content by id.
func (m *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, _, err := m.api.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	return data, nil
}

// GetConversationInfo resolves a channel's display name and kind. Direct
// channels are named after the other participant.
func (m *Client) GetConversationInfo(ctx context.Context, conversationID string) (*bridge.ConversationInfo, error) {
	channel, _, err := m.api.GetChannel(ctx, conversationID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return m.channelToInfo(ctx, channel), nil
}

// ListConversations returns the direct and group conversations the account
// is part of.
func (m *Client) ListConversations(ctx context.Context) ([]*bridge.ConversationInfo, error) {
	channels, _, err := m.api.GetChannelsForUserWithLastDeleteAt(ctx, m.userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	infos := make([]*bridge.ConversationInfo, 0, len(channels))
	for _, ch := range channels {
		if ch.Type != model.ChannelTypeDirect && ch.Type != model.ChannelTypeGroup {
			continue
		}
		infos = append(infos, m.channelToInfo(ctx, ch))
	}
	return infos, nil
}

// React adds an emoji reaction on a post. The emoji is a Mattermost emoji
// name, not a unicode glyph.
func (m *Client) React(ctx context.Context, _ string, messageID, emoji string) error {
	_, _, err := m.api.SaveReaction(ctx, &model.Reaction{
		UserId:    m.userID,
		PostId:    messageID,
		EmojiName: emoji,
	})
	if err != nil {
		return fmt.Errorf("failed to save reaction: %w", err)
	}
	return nil
}

// BlockContact silences a conversation server-side. Mattermost has no
// account-level block, so this mutes the channel's notifications instead.
func (m *Client) BlockContact(ctx context.Context, conversationID string) error {
	return m.setChannelNotifyProps(ctx, conversationID, map[string]string{
		"mark_unread": model.ChannelMarkUnreadMention,
		"desktop":     model.ChannelNotifyNone,
		"push":        model.ChannelNotifyNone,
	})
}

// UnblockContact restores a conversation's default notifications.
func (m *Client) UnblockContact(ctx context.Context, conversationID string) error {
	return m.setChannelNotifyProps(ctx, conversationID, map[string]string{
		"mark_unread": model.ChannelMarkUnreadAll,
		"desktop":     model.ChannelNotifyDefault,
		"push":        model.ChannelNotifyDefault,
	})
}

func (m *Client) setChannelNotifyProps(ctx context.Context, channelID string, props map[string]string) error {
	if _, err := m.api.UpdateChannelNotifyProps(ctx, channelID, m.userID, props); err != nil {
		return fmt.Errorf("failed to update channel notify props: %w", err)
	}
	return nil
}

func (m *Client) channelToInfo(ctx context.Context, channel *model.Channel) *bridge.ConversationInfo {
	info := &bridge.ConversationInfo{
		ID:          channel.Id,
		DisplayName: channel.DisplayName,
		Kind:        bridge.ConversationGroup,
	}
	if channel.Type == model.ChannelTypeDirect {
		info.Kind = bridge.ConversationDirect
		if name := m.directChannelPeerName(ctx, channel); name != "" {
			info.DisplayName = name
		}
	}
	if info.DisplayName == "" {
		info.DisplayName = channel.Name
	}
	return info
}

// directChannelPeerName resolves the other participant of a direct channel.
// Direct channel names are the two member ids joined with "__".
func (m *Client) directChannelPeerName(ctx context.Context, channel *model.Channel) string {
	parts := strings.Split(channel.Name, "__")
	if len(parts) != 2 {
		return ""
	}
	peerID := parts[0]
	if peerID == m.userID {
		peerID = parts[1]
	}
	user, _, err := m.api.GetUser(ctx, peerID, "")
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", peerID).Msg("Failed to resolve direct channel peer")
		return ""
	}
	return displayName(user)
}

// displayName picks the friendliest available name for a user.
func displayName(user *model.User) string {
	if user.Nickname != "" {
		return user.Nickname
	}
	if user.FirstName != "" || user.LastName != "" {
		return strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	return user.Username
}
