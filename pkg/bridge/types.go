// Copyright 2024-2026 Aiku AI

package bridge

import (
	"time"
)

// MessageKind is a closed set of relayable message kinds. New kinds are
// added here and handled exhaustively at the render and media-ingest
// boundaries instead of scattering string comparisons.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindVoice       MessageKind = "voice"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindUnsupported MessageKind = "unsupported"
)

// Icon returns the type marker rendered in front of relayed media captions.
func (k MessageKind) Icon() string {
	switch k {
	case KindImage:
		return "\U0001f5bc️"
	case KindVideo:
		return "\U0001f3a5"
	case KindAudio, KindVoice:
		return "\U0001f3a4"
	case KindDocument:
		return "\U0001f4c4"
	case KindSticker:
		return "\U0001f3f7️"
	case KindLocation:
		return "\U0001f4cd"
	default:
		return ""
	}
}

// ConversationKind distinguishes 1:1 chats from group chats on the
// conversation platform.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ChatMapping binds one Mattermost conversation to one Matrix channel.
// Conversation ids are unique; a channel id belongs to at most one active
// mapping at a time.
type ChatMapping struct {
	ConversationID string
	ChannelID      string
	DisplayName    string
	Kind           ConversationKind
	Muted          bool
	CreatedAt      time.Time
	LastActivity   time.Time
	MessageCount   int64
}

// MediaDescriptor points at a media payload on the conversation platform
// before it has been downloaded.
type MediaDescriptor struct {
	FileID   string
	Filename string
	MimeType string
	Size     int64
}

// InboundEvent is a single event received from either platform, normalized
// before routing.
type InboundEvent struct {
	// Platform-assigned message id. May be empty for platforms/events that
	// only report boolean success.
	MessageID      string
	ConversationID string
	SenderID       string
	SenderName     string
	// IsSelf is true when the event was authored by the bridge's own
	// account on the conversation platform. Such events are either echoes
	// of the bridge's own sends or messages the user typed directly.
	IsSelf    bool
	Kind      MessageKind
	Text      string
	Media     *MediaDescriptor
	QuotedID  string
	Timestamp time.Time
}

// RenderedMessage is the structured representation sent to the channel
// platform for one forwarded event.
type RenderedMessage struct {
	Author    string
	ColorTag  string
	Body      string
	Icon      string
	Caption   string
	Quoted    string
	Timestamp time.Time
	// FromSelf marks messages the user sent directly on the conversation
	// platform, rendered with a "you" label instead of the author name.
	FromSelf bool
}

// ConversationInfo describes a conversation on the conversation platform.
type ConversationInfo struct {
	ID          string
	DisplayName string
	Kind        ConversationKind
}

// ChannelEvent is a message observed on the channel platform, normalized by
// the channel adapter before routing. Attachments are already downloaded by
// the adapter.
type ChannelEvent struct {
	ChannelID  string
	EventID    string
	SenderName string
	Body       string
	Kind       MessageKind
	Attachment *Attachment
	Timestamp  time.Time
}

// ReactionEvent is a reaction observed on either platform.
type ReactionEvent struct {
	// ConversationID is set for source-platform reactions, ChannelID for
	// channel-platform ones.
	ConversationID string
	ChannelID      string
	TargetID       string
	Emoji          string
	IsSelf         bool
}

// SendResult is the outcome of an outbound send on the conversation
// platform. An empty MessageID with OK=true is the boolean-success shape:
// the platform accepted the send but did not assign a stable id, so echo
// suppression must fall back to content or file-identity fingerprints.
type SendResult struct {
	MessageID string
	OK        bool
}

// QuoteReference links a relayed message to its original rendered content so
// quoted context can be reconstructed across the platforms' disjoint id
// spaces.
type QuoteReference struct {
	ConversationID string
	MessageID      string
	Author         string
	Body           string
	CreatedAt      time.Time
}

// LogEntry is one row of the append-only relay history. The counterpart id
// is the id the message got on the other platform, linking the two id
// spaces for reaction relay.
type LogEntry struct {
	ConversationID string
	MessageID      string
	CounterpartID  string
	Direction      string // "in" or "out"
	Kind           MessageKind
	Author         string
	Body           string
	Timestamp      time.Time
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)
