package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/runloop/pkg/models"
)

// DefaultSubscriptionBuffer is the per-subscriber channel capacity used
// when the hub is constructed without an explicit size.
const DefaultSubscriptionBuffer = 256

// Hub fans run events out to boundary subscribers (SSE and WebSocket
// feeds). It implements engine.Sink so it can be registered once on the
// engine and observe every run, including nested sub-agent runs.
//
// Delivery to subscribers is non-blocking: a subscriber that cannot keep
// up loses events and its drop counter advances. The engine's per-run
// ordering is preserved for whatever a subscriber does receive.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub returns a hub whose subscriptions buffer up to buffer events.
// A non-positive buffer selects DefaultSubscriptionBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Emit delivers the event to every matching subscriber. It never blocks;
// full subscriber buffers drop the event for that subscriber only.
func (h *Hub) Emit(ctx context.Context, e models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// Subscribe registers a subscriber. An empty conversationID matches every
// conversation; an empty types list matches every event type. The caller
// must Close the subscription when done.
func (h *Hub) Subscribe(conversationID string, types ...models.EventType) *Subscription {
	sub := &Subscription{
		hub:            h,
		ch:             make(chan models.Event, h.buffer),
		conversationID: conversationID,
	}
	if len(types) > 0 {
		sub.types = make(map[models.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close terminates every subscription. Subsequent Emit calls are no-ops
// and subsequent Subscribe calls return already-closed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Subscription is one subscriber's view of the hub. Events arrive on
// Events() until Close is called or the hub shuts down.
type Subscription struct {
	hub            *Hub
	ch             chan models.Event
	conversationID string
	types          map[models.EventType]struct{}
	dropped        uint64
	once           sync.Once
}

func (s *Subscription) wants(e models.Event) bool {
	if s.conversationID != "" && e.ConversationID != s.conversationID {
		return false
	}
	if s.types != nil {
		if _, ok := s.types[e.Type]; !ok {
			return false
		}
	}
	return true
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscription ends.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close removes the subscription from the hub and closes Events().
func (s *Subscription) Close() {
	s.once.Do(func() {
		// Removal takes the hub write lock, which waits out any Emit in
		// flight, so nothing can send on ch after this point.
		s.hub.remove(s)
		close(s.ch)
	})
}

func (s *Subscription) closeChan() {
	s.once.Do(func() {
		close(s.ch)
	})
}
