// Copyright 2024-2026 Aiku AI

package matrix

import (
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mmbridge/pkg/bridge"
)

// renderContent turns a rendered relay message into Matrix text content:
// a color-tagged bold author line, optional quoted context, then the body.
func renderContent(msg *bridge.RenderedMessage) *event.MessageEventContent {
	author := msg.Author
	if msg.FromSelf {
		author = "you"
	}

	var plain, formatted strings.Builder
	if msg.Quoted != "" {
		fmt.Fprintf(&plain, "> %s\n", msg.Quoted)
		fmt.Fprintf(&formatted, "<blockquote>%s</blockquote>", html.EscapeString(msg.Quoted))
	}
	if author != "" {
		prefix := author
		if msg.Icon != "" {
			prefix = msg.Icon + " " + author
		}
		fmt.Fprintf(&plain, "%s: ", prefix)
		if msg.ColorTag != "" {
			fmt.Fprintf(&formatted, `<font color=%q><b>%s</b></font>: `, msg.ColorTag, html.EscapeString(prefix))
		} else {
			fmt.Fprintf(&formatted, "<b>%s</b>: ", html.EscapeString(prefix))
		}
	}
	plain.WriteString(msg.Body)
	formatted.WriteString(strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>"))

	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain.String(),
		Format:        event.FormatHTML,
		FormattedBody: formatted.String(),
	}
}

// attachmentContent builds the media event for an uploaded payload. The
// caption rides in the body next to the filename when present.
func attachmentContent(att *bridge.Attachment, msg *bridge.RenderedMessage, uri id.ContentURI) *event.MessageEventContent {
	body := att.Filename
	if msg.Caption != "" {
		body = att.Filename + "\n" + msg.Caption
	}
	content := &event.MessageEventContent{
		MsgType: msgTypeForKind(att.Kind),
		Body:    body,
		URL:     uri.CUString(),
		Info: &event.FileInfo{
			MimeType: att.MimeType,
			Size:     len(att.Data),
			Width:    att.Width,
			Height:   att.Height,
		},
	}
	return content
}

func msgTypeForKind(kind bridge.MessageKind) event.MessageType {
	switch kind {
	case bridge.KindImage, bridge.KindSticker:
		return event.MsgImage
	case bridge.KindVideo:
		return event.MsgVideo
	case bridge.KindAudio, bridge.KindVoice:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// kindFromMsgType is the inverse mapping for inbound Matrix events.
func kindFromMsgType(msgType event.MessageType) bridge.MessageKind {
	switch msgType {
	case event.MsgImage:
		return bridge.KindImage
	case event.MsgVideo:
		return bridge.KindVideo
	case event.MsgAudio:
		return bridge.KindAudio
	case event.MsgFile:
		return bridge.KindDocument
	case event.MsgLocation:
		return bridge.KindLocation
	default:
		return bridge.KindText
	}
}
