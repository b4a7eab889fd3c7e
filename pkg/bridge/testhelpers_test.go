// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memFingerprintStore is an in-memory FingerprintStore. failAll makes every
// call error, for fail-open tests.
type memFingerprintStore struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	content map[string]time.Time
	files   map[string]time.Time
	pending map[string]int
	failAll bool
}

func newMemFingerprintStore() *memFingerprintStore {
	return &memFingerprintStore{
		ids:     make(map[string]time.Time),
		content: make(map[string]time.Time),
		files:   make(map[string]time.Time),
		pending: make(map[string]int),
	}
}

func (m *memFingerprintStore) err() error {
	if m.failAll {
		return fmt.Errorf("store unavailable")
	}
	return nil
}

func hashMapKey(conversationID string, hash uint64) string {
	return fmt.Sprintf("%s/%d", conversationID, hash)
}

func (m *memFingerprintStore) InsertSentID(_ context.Context, messageID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return err
	}
	m.ids[messageID] = expiresAt
	return nil
}

func (m *memFingerprintStore) ConsumeSentID(_ context.Context, messageID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return false, err
	}
	exp, ok := m.ids[messageID]
	if !ok || !now.Before(exp) {
		return false, nil
	}
	delete(m.ids, messageID)
	return true, nil
}

func (m *memFingerprintStore) InsertSentContent(_ context.Context, conversationID string, hash uint64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return err
	}
	m.content[hashMapKey(conversationID, hash)] = expiresAt
	return nil
}

func (m *memFingerprintStore) ConsumeSentContent(_ context.Context, conversationID string, hash uint64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return false, err
	}
	key := hashMapKey(conversationID, hash)
	exp, ok := m.content[key]
	if !ok || !now.Before(exp) {
		return false, nil
	}
	delete(m.content, key)
	return true, nil
}

func (m *memFingerprintStore) InsertSentFile(_ context.Context, conversationID string, hash uint64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return err
	}
	m.files[hashMapKey(conversationID, hash)] = expiresAt
	return nil
}

func (m *memFingerprintStore) ConsumeSentFile(_ context.Context, conversationID string, hash uint64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return false, err
	}
	key := hashMapKey(conversationID, hash)
	exp, ok := m.files[key]
	if !ok || !now.Before(exp) {
		return false, nil
	}
	delete(m.files, key)
	return true, nil
}

func (m *memFingerprintStore) AddPendingMedia(_ context.Context, conversationID string, n int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return err
	}
	m.pending[conversationID] += n
	return nil
}

func (m *memFingerprintStore) ConsumePendingMedia(_ context.Context, conversationID string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return false, err
	}
	if m.pending[conversationID] <= 0 {
		return false, nil
	}
	m.pending[conversationID]--
	return true, nil
}

func (m *memFingerprintStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err(); err != nil {
		return 0, err
	}
	var n int64
	for k, exp := range m.ids {
		if !now.Before(exp) {
			delete(m.ids, k)
			n++
		}
	}
	for k, exp := range m.content {
		if !now.Before(exp) {
			delete(m.content, k)
			n++
		}
	}
	for k, exp := range m.files {
		if !now.Before(exp) {
			delete(m.files, k)
			n++
		}
	}
	return n, nil
}

// memMappingStore is an in-memory MappingStore.
type memMappingStore struct {
	mu       sync.Mutex
	mappings map[string]*ChatMapping
	order    []string
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{mappings: make(map[string]*ChatMapping)}
}

func (m *memMappingStore) GetMapping(_ context.Context, conversationID string) (*ChatMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *mp
	return &cp, nil
}

func (m *memMappingStore) GetMappingByChannel(_ context.Context, channelID string) (*ChatMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.mappings {
		if mp.ChannelID == channelID {
			cp := *mp
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memMappingStore) ListMappings(_ context.Context) ([]*ChatMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatMapping, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.mappings[id]
		out = append(out, &cp)
	}
	// Most recently active first, matching the durable store's ordering.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (m *memMappingStore) InsertMapping(_ context.Context, mp *ChatMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mp
	m.mappings[mp.ConversationID] = &cp
	m.order = append(m.order, mp.ConversationID)
	return nil
}

func (m *memMappingStore) UpdateChannelID(_ context.Context, conversationID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[conversationID]; ok {
		mp.ChannelID = channelID
	}
	return nil
}

func (m *memMappingStore) SetMuted(_ context.Context, conversationID string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[conversationID]
	if !ok {
		return fmt.Errorf("no mapping for %s", conversationID)
	}
	mp.Muted = muted
	return nil
}

func (m *memMappingStore) TouchActivity(_ context.Context, conversationID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[conversationID]; ok {
		mp.LastActivity = ts
		mp.MessageCount++
	}
	return nil
}

func (m *memMappingStore) PurgeMappings(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, 0, len(m.mappings))
	for _, mp := range m.mappings {
		channels = append(channels, mp.ChannelID)
	}
	m.mappings = make(map[string]*ChatMapping)
	m.order = nil
	return channels, nil
}

// sentMessage records one TargetClient send for assertions.
type sentMessage struct {
	channelID string
	msg       *RenderedMessage
	att       *Attachment
}

// fakeTarget implements TargetClient against in-memory state.
type fakeTarget struct {
	mu        sync.Mutex
	nextID    int
	channels  map[string]bool
	sent      []sentMessage
	reactions []ReactionEvent
	deleted   []string
	createErr error
	sendErr   error
	// panicOnSend simulates a bug in the channel adapter.
	panicOnSend bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{channels: make(map[string]bool)}
}

func (f *fakeTarget) CreateChannel(_ context.Context, name string, _ ConversationKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("!room%d-%s", f.nextID, name)
	f.channels[id] = true
	return id, nil
}

func (f *fakeTarget) ChannelExists(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channelID], nil
}

func (f *fakeTarget) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakeTarget) SendMessage(_ context.Context, channelID string, msg *RenderedMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("adapter bug")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{channelID: channelID, msg: msg})
	return fmt.Sprintf("$event%d", f.nextID), nil
}

func (f *fakeTarget) SendAttachment(_ context.Context, channelID string, att *Attachment, msg *RenderedMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{channelID: channelID, msg: msg, att: att})
	return fmt.Sprintf("$event%d", f.nextID), nil
}

func (f *fakeTarget) React(_ context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, ReactionEvent{ChannelID: channelID, TargetID: messageID, Emoji: emoji})
	return nil
}

func (f *fakeTarget) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTarget) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// sourceSend records one SourceClient send for assertions.
type sourceSend struct {
	conversationID string
	text           string
	filename       string
	size           int64
}

// fakeSource implements SourceClient against in-memory state. withIDs
// controls whether sends return a provider message id.
type fakeSource struct {
	mu        sync.Mutex
	nextID    int
	withIDs   bool
	sends     []sourceSend
	reactions []ReactionEvent
	blocked   map[string]bool
	files     map[string][]byte
	convs     []*ConversationInfo
	sendErr   error
}

func newFakeSource(withIDs bool) *fakeSource {
	return &fakeSource{
		withIDs: withIDs,
		blocked: make(map[string]bool),
		files:   make(map[string][]byte),
	}
}

func (f *fakeSource) result() SendResult {
	if !f.withIDs {
		return SendResult{OK: true}
	}
	f.nextID++
	return SendResult{MessageID: fmt.Sprintf("post%d", f.nextID), OK: true}
}

func (f *fakeSource) SendText(_ context.Context, conversationID, text string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return SendResult{}, f.sendErr
	}
	f.sends = append(f.sends, sourceSend{conversationID: conversationID, text: text})
	return f.result(), nil
}

func (f *fakeSource) SendFile(_ context.Context, conversationID, filename string, data []byte, caption string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return SendResult{}, f.sendErr
	}
	f.sends = append(f.sends, sourceSend{conversationID: conversationID, text: caption, filename: filename, size: int64(len(data))})
	return f.result(), nil
}

func (f *fakeSource) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", fileID)
	}
	return data, nil
}

func (f *fakeSource) GetConversationInfo(_ context.Context, conversationID string) (*ConversationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == conversationID {
			return c, nil
		}
	}
	return &ConversationInfo{ID: conversationID, DisplayName: "chat " + conversationID, Kind: ConversationDirect}, nil
}

func (f *fakeSource) ListConversations(_ context.Context) ([]*ConversationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, nil
}

func (f *fakeSource) React(_ context.Context, conversationID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, ReactionEvent{ConversationID: conversationID, TargetID: messageID, Emoji: emoji})
	return nil
}

func (f *fakeSource) BlockContact(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[conversationID] = true
	return nil
}

func (f *fakeSource) UnblockContact(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[conversationID] = false
	return nil
}

func (f *fakeSource) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// memQuotes is an in-memory QuoteStore.
type memQuotes struct {
	mu     sync.Mutex
	quotes []*QuoteReference
}

func (m *memQuotes) InsertQuote(_ context.Context, q *QuoteReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quotes = append(m.quotes, &cp)
	return nil
}

func (m *memQuotes) GetQuote(_ context.Context, conversationID, messageID string) (*QuoteReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.quotes) - 1; i >= 0; i-- {
		q := m.quotes[i]
		if q.ConversationID == conversationID && q.MessageID == messageID {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

// memState is an in-memory StateStore.
type memState struct {
	mu        sync.Mutex
	paused    bool
	verbosity int
}

func (m *memState) GetPaused(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, nil
}

func (m *memState) SetPaused(_ context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

func (m *memState) GetVerbosity(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verbosity, nil
}

func (m *memState) SetVerbosity(_ context.Context, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verbosity = v
	return nil
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu      sync.Mutex
	entries []*LogEntry
}

func (m *memHistory) AppendLog(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memHistory) GetCounterpartID(_ context.Context, messageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].MessageID == messageID {
			return m.entries[i].CounterpartID, nil
		}
	}
	return "", nil
}

func (m *memHistory) GetMessageIDByCounterpart(_ context.Context, counterpartID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].CounterpartID == counterpartID {
			return m.entries[i].MessageID, nil
		}
	}
	return "", nil
}

func (m *memHistory) LogStats(_ context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var in, out int64
	for _, e := range m.entries {
		if e.Direction == DirectionIn {
			in++
		} else {
			out++
		}
	}
	return in, out, nil
}
