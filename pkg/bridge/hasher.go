// Copyright 2024-2026 Aiku AI

package bridge

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Content and file-identity fingerprints use 64-bit FNV-1a. This is a
// best-effort heuristic tier: collisions are possible for short or duplicate
// texts and resolve as first-match-wins. Provider-assigned message ids are
// always preferred when available.

// HashContent fingerprints (conversation id, normalized message text).
func HashContent(conversationID, text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(conversationID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(NormalizeText(text)))
	return h.Sum64()
}

// HashFileIdentity fingerprints (conversation id, filename, byte size) for
// payloads whose platform does not return a stable id.
func HashFileIdentity(conversationID, filename string, size int64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(conversationID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(filename))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(size, 10)))
	return h.Sum64()
}

// NormalizeText collapses runs of whitespace to single spaces and trims, so
// harmless re-wrapping by a platform does not defeat content matching.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
