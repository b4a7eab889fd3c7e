// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate
// handler.
func (m *Client) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		m.handlePosted(evt)
	case model.WebsocketEventReactionAdded:
		m.handleReactionAdded(evt)
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostedEvent extracts and validates a post from a WebSocket event.
// Returns (nil, nil) to skip silently, (nil, err) to log an error, or
// (post, nil) to proceed.
func (m *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// System messages (joins, headers, pins) are not relayable content.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	return &post, nil
}

func (m *Client) handlePosted(evt *model.WebSocketEvent) {
	if m.handlers.OnMessage == nil {
		return
	}
	post, err := m.parsePostedEvent(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")

	for _, inbound := range m.postToEvents(post, senderName) {
		m.handlers.OnMessage(inbound)
	}
}

// postToEvents normalizes one post into inbound events, one per attachment.
// The post text rides on the first event only.
func (m *Client) postToEvents(post *model.Post, senderName string) []*bridge.InboundEvent {
	base := bridge.InboundEvent{
		MessageID:      post.Id,
		ConversationID: post.ChannelId,
		SenderID:       post.UserId,
		SenderName:     senderName,
		IsSelf:         post.UserId == m.userID,
		Kind:           bridge.KindText,
		Text:           post.Message,
		QuotedID:       post.RootId,
		Timestamp:      time.UnixMilli(post.CreateAt),
	}

	files := m.fileInfosForPost(post)
	if len(files) == 0 {
		if post.Message == "" {
			return nil
		}
		evt := base
		return []*bridge.InboundEvent{&evt}
	}

	events := make([]*bridge.InboundEvent, 0, len(files))
	for i, file := range files {
		evt := base
		evt.Kind = kindFromMime(file.MimeType)
		evt.Media = &bridge.MediaDescriptor{
			FileID:   file.Id,
			Filename: file.Name,
			MimeType: file.MimeType,
			Size:     file.Size,
		}
		if i > 0 {
			evt.Text = ""
		}
		events = append(events, &evt)
	}
	return events
}

// fileInfosForPost returns a post's attachment metadata, fetching it when
// the websocket payload did not inline it.
func (m *Client) fileInfosForPost(post *model.Post) []*model.FileInfo {
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		return post.Metadata.Files
	}
	if len(post.FileIds) == 0 {
		return nil
	}
	files, _, err := m.api.GetFileInfosForPost(context.Background(), post.Id, "")
	if err != nil {
		m.log.Warn().Err(err).Str("post_id", post.Id).Msg("Failed to fetch file infos")
		return nil
	}
	return files
}

// kindFromMime maps an attachment's mime type onto the relay kind set.
func kindFromMime(mimeType string) bridge.MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return bridge.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return bridge.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return bridge.KindAudio
	default:
		return bridge.KindDocument
	}
}

// parseReactionEvent extracts a reaction from a WebSocket event. Returns
// (nil, nil) to skip, (nil, err) for errors, or (reaction, nil) to proceed.
func (m *Client) parseReactionEvent(evt *model.WebSocketEvent) (*model.Reaction, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, nil
	}

	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	return &reaction, nil
}

func (m *Client) handleReactionAdded(evt *model.WebSocketEvent) {
	if m.handlers.OnReaction == nil {
		return
	}
	reaction, err := m.parseReactionEvent(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse reaction event")
		return
	}
	if reaction == nil {
		return
	}
	m.handlers.OnReaction(&bridge.ReactionEvent{
		ConversationID: evt.GetBroadcast().ChannelId,
		TargetID:       reaction.PostId,
		Emoji:          reaction.EmojiName,
		IsSelf:         reaction.UserId == m.userID,
	})
}
