// Package hub fans registry change events out to live subscribers.
//
// Producers call Publish, which never blocks; a single goroutine started by
// Run delivers each event to every subscriber.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"device-hub-backend/internal/logger"
)

// TypeDeviceUpdate is emitted after every committed registry change.
const TypeDeviceUpdate = "device_update"

// Event is a registry change notice.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceUpdate builds a device_update event for the given instant.
func DeviceUpdate(at time.Time) Event {
	return Event{Type: TypeDeviceUpdate, Timestamp: at}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event) bool
}

// Subscription is a live listener handle.
type Subscription struct {
	send chan Event
}

// Events returns the channel events are delivered on. It is closed on
// Unsubscribe or when the hub shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.send
}

// trySend delivers without blocking; a full buffer drops the event. Callers
// hold the hub lock so the channel cannot be closed underneath the send.
func (s *Subscription) trySend(ev Event) bool {
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

// Hub manages subscribers and the event queue.
type Hub struct {
	events     chan Event
	subs       map[*Subscription]struct{}
	mu         sync.RWMutex
	closed     bool
	bufferSize int
	log        zerolog.Logger
}

// New creates a hub whose queue and per-subscriber buffers hold bufferSize events.
func New(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Hub{
		events:     make(chan Event, bufferSize),
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		log:        logger.Component("hub"),
	}
}

// Run delivers queued events until ctx is cancelled, then closes every subscription.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			h.Broadcast(ev)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Publish queues ev for delivery. It reports false when the queue is full and
// the event was dropped.
func (h *Hub) Publish(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	default:
		h.log.Warn().Str("type", ev.Type).Msg("event queue full, dropping live update")
		return false
	}
}

// Subscribe registers a new listener.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{send: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.send)
		return sub
	}
	h.subs[sub] = struct{}{}
	h.log.Debug().Int("subscribers", len(h.subs)).Msg("subscriber added")
	return sub
}

// Unsubscribe removes a listener and closes its channel. Only the call that
// removes it from the set closes the channel, and it does so under the write
// lock so no broadcast is mid-send.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, existed := h.subs[sub]; existed {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Broadcast delivers ev to every current subscriber. Delivery is best-effort
// and independent per subscriber. Sends never block, so the read lock is held
// for the whole loop.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs {
		if sub.trySend(ev) {
			delivered++
		}
	}
	if delivered < len(h.subs) {
		h.log.Debug().Int("subscribers", len(h.subs)).Int("delivered", delivered).Msg("slow subscribers skipped")
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subs {
		close(sub.send)
		delete(h.subs, sub)
	}
}
