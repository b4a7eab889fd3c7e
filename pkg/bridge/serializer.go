// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeferredHandler re-processes a deferred inbound event once its
// conversation unlocks.
type DeferredHandler func(evt *InboundEvent)

type deferredEvent struct {
	evt     *InboundEvent
	handler DeferredHandler
}

type convLock struct {
	locked   bool
	draining bool
	queue    []deferredEvent
}

// Serializer guards outbound sends with per-conversation mutual exclusion.
// While a send to conversation C is in flight, inbound events for C are
// deferred in FIFO order instead of being processed, because one of them may
// be the platform's echo of that very send arriving before the send call has
// returned an id to register in the ledger. Deferring all of them eliminates
// the race instead of trying to detect it after the fact.
type Serializer struct {
	log         zerolog.Logger
	settleDelay time.Duration

	mu    sync.Mutex
	cond  *sync.Cond
	convs map[string]*convLock
}

// NewSerializer creates a serializer. settleDelay is waited before draining
// deferred events after an unlock, giving the platform's echo a moment to
// land first; it is an ordering nicety, not a correctness requirement, and 0
// is allowed.
func NewSerializer(settleDelay time.Duration, log zerolog.Logger) *Serializer {
	s := &Serializer{
		log:         log.With().Str("component", "serializer").Logger(),
		settleDelay: settleDelay,
		convs:       make(map[string]*convLock),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Serializer) conv(conversationID string) *convLock {
	c, ok := s.convs[conversationID]
	if !ok {
		c = &convLock{}
		s.convs[conversationID] = c
	}
	return c
}

// Lock acquires the outbound-send lock for a conversation, blocking until
// any in-flight send for the same conversation completes.
func (s *Serializer) Lock(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(conversationID)
	for c.locked {
		s.cond.Wait()
	}
	c.locked = true
}

// IsLocked reports whether an outbound send is in flight for a conversation
// or its deferred queue is still draining. Fresh inbound events arriving
// mid-drain must queue behind the remaining deferred ones, not overtake them.
func (s *Serializer) IsLocked(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return ok && (c.locked || c.draining)
}

// DeferInbound appends an inbound event to the conversation's FIFO queue
// without processing it. Queued events are drained in order on unlock.
func (s *Serializer) DeferInbound(conversationID string, evt *InboundEvent, handler DeferredHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(conversationID)
	c.queue = append(c.queue, deferredEvent{evt: evt, handler: handler})
	s.log.Debug().
		Str("conversation_id", conversationID).
		Int("queue_len", len(c.queue)).
		Msg("Deferred inbound event while conversation locked")
}

// Unlock releases the conversation lock and starts draining the deferred
// queue in FIFO order. It must be called regardless of send success or
// failure so a conversation can never wedge permanently.
func (s *Serializer) Unlock(conversationID string) {
	s.mu.Lock()
	c := s.conv(conversationID)
	c.locked = false
	s.cond.Broadcast()
	startDrain := len(c.queue) > 0 && !c.draining
	if startDrain {
		c.draining = true
	}
	s.mu.Unlock()

	if startDrain {
		go s.drain(conversationID)
	}
}

// drain pops and processes deferred events one at a time, so events deferred
// while the drain is running land behind the queue and keep conversation
// order. A relock mid-drain hands the remaining queue to that send's unlock.
func (s *Serializer) drain(conversationID string) {
	if s.settleDelay > 0 {
		time.Sleep(s.settleDelay)
	}
	s.log.Debug().
		Str("conversation_id", conversationID).
		Msg("Draining deferred events")
	for {
		s.mu.Lock()
		c := s.conv(conversationID)
		if len(c.queue) == 0 || c.locked {
			c.draining = false
			s.mu.Unlock()
			return
		}
		d := c.queue[0]
		c.queue = c.queue[1:]
		s.mu.Unlock()
		d.handler(d.evt)
	}
}
