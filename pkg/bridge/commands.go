// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// commandScope identifies where a command arrived, so target-less verbs can
// default to the conversation the command was issued in.
type commandScope struct {
	conversationID string
	channelID      string
}

// dispatchCommand parses and executes one administrative command. Replies
// always go back through the provided callback so the caller controls the
// transport (and its echo protection).
func (r *Router) dispatchCommand(ctx context.Context, text string, scope commandScope, reply func(string)) {
	fields := strings.Fields(strings.TrimSpace(text))
	// fields[0] is the command prefix itself.
	if len(fields) < 2 {
		reply(r.helpText())
		return
	}
	verb, args := strings.ToLower(fields[1]), fields[2:]
	log := r.log.With().Str("verb", verb).Logger()
	log.Info().Strs("args", args).Msg("Handling admin command")

	switch verb {
	case "help":
		reply(r.helpText())
	case "pause":
		if err := r.SetPaused(ctx, true); err != nil {
			reply(fmt.Sprintf("Failed to pause: %v", err))
			return
		}
		reply("Bridge paused. No messages will be relayed until `resume`.")
	case "resume":
		if err := r.SetPaused(ctx, false); err != nil {
			reply(fmt.Sprintf("Failed to resume: %v", err))
			return
		}
		reply("Bridge resumed.")
	case "mute":
		r.setMutedCommand(ctx, scope, args, true, reply)
	case "unmute":
		r.setMutedCommand(ctx, scope, args, false, reply)
	case "block":
		r.blockCommand(ctx, scope, args, true, reply)
	case "unblock":
		r.blockCommand(ctx, scope, args, false, reply)
	case "purge":
		n, err := r.PurgeAll(ctx)
		if err != nil {
			reply(fmt.Sprintf("Purge failed: %v", err))
			return
		}
		reply(fmt.Sprintf("Purged all mappings, deleted %d channels.", n))
	case "send":
		r.sendCommand(ctx, args, reply)
	case "stats":
		r.statsCommand(ctx, reply)
	default:
		reply(fmt.Sprintf("Unknown command %q.\n%s", verb, r.helpText()))
	}
}

// resolveTarget picks the conversation a verb acts on: an explicit 1-based
// activity index when given, otherwise the conversation the command arrived
// in.
func (r *Router) resolveTarget(ctx context.Context, scope commandScope, args []string) (string, error) {
	if len(args) > 0 {
		idx, err := strconv.Atoi(args[0])
		if err != nil || idx < 1 {
			return "", fmt.Errorf("invalid conversation index %q", args[0])
		}
		mappings, err := r.Registry.ListByActivity(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list conversations: %w", err)
		}
		if idx > len(mappings) {
			return "", fmt.Errorf("index %d out of range, only %d conversations", idx, len(mappings))
		}
		return mappings[idx-1].ConversationID, nil
	}
	if scope.conversationID != "" {
		return scope.conversationID, nil
	}
	if scope.channelID != "" {
		mapping, err := r.Registry.GetMappingByChannel(ctx, scope.channelID)
		if err != nil {
			return "", err
		}
		if mapping != nil {
			return mapping.ConversationID, nil
		}
	}
	return "", fmt.Errorf("no target conversation, pass an index from `stats`")
}

func (r *Router) setMutedCommand(ctx context.Context, scope commandScope, args []string, muted bool, reply func(string)) {
	conversationID, err := r.resolveTarget(ctx, scope, args)
	if err != nil {
		reply(err.Error())
		return
	}
	if err := r.Registry.SetMuted(ctx, conversationID, muted); err != nil {
		reply(fmt.Sprintf("Failed to update mute state: %v", err))
		return
	}
	if muted {
		reply("Conversation muted. Messages will be dropped until `unmute`.")
	} else {
		reply("Conversation unmuted.")
	}
}

func (r *Router) blockCommand(ctx context.Context, scope commandScope, args []string, block bool, reply func(string)) {
	conversationID, err := r.resolveTarget(ctx, scope, args)
	if err != nil {
		reply(err.Error())
		return
	}
	if block {
		err = r.Source.BlockContact(ctx, conversationID)
	} else {
		err = r.Source.UnblockContact(ctx, conversationID)
	}
	if err != nil {
		reply(fmt.Sprintf("Failed to update block state: %v", err))
		return
	}
	if block {
		reply("Contact blocked.")
	} else {
		reply("Contact unblocked.")
	}
}

// sendCommand relays operator-supplied text into the conversation at the
// given activity index.
func (r *Router) sendCommand(ctx context.Context, args []string, reply func(string)) {
	if len(args) < 2 {
		reply("Usage: send <index> <text>")
		return
	}
	conversationID, err := r.resolveTarget(ctx, commandScope{}, args[:1])
	if err != nil {
		reply(err.Error())
		return
	}
	text := strings.Join(args[1:], " ")
	if err := r.SendToConversation(ctx, conversationID, text); err != nil {
		reply(fmt.Sprintf("Send failed: %v", err))
		return
	}
	reply("Sent.")
}

func (r *Router) statsCommand(ctx context.Context, reply func(string)) {
	inbound, outbound, err := r.History.LogStats(ctx)
	if err != nil {
		reply(fmt.Sprintf("Failed to read stats: %v", err))
		return
	}
	mappings, err := r.Registry.ListByActivity(ctx)
	if err != nil {
		reply(fmt.Sprintf("Failed to list conversations: %v", err))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Relayed %d inbound / %d outbound messages across %d conversations.\n", inbound, outbound, len(mappings))
	for i, m := range mappings {
		state := ""
		if m.Muted {
			state = " (muted)"
		}
		fmt.Fprintf(&b, "%d. %s [%s]%s, %d messages\n", i+1, m.DisplayName, m.Kind, state, m.MessageCount)
	}
	reply(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) helpText() string {
	p := r.cfg.CommandPrefix
	return strings.Join([]string{
		"Available commands:",
		p + " pause | resume - stop or restart all relaying",
		p + " mute [index] | unmute [index] - silence one conversation",
		p + " block [index] | unblock [index] - block the contact on the platform",
		p + " send <index> <text> - send text into a conversation",
		p + " stats - relay counters and conversation list",
		p + " purge - delete all mappings and their channels",
		p + " help - this message",
	}, "\n")
}
