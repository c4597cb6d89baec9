// SPDX-License-Identifier: MIT

// Package hub fans event updates out to connected clients. Rooms are keyed
// by event id; delivery is best-effort with per-subscriber buffering.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

// Per-subscriber buffer. A subscriber that falls this far behind starts
// dropping messages; every broadcast is a full snapshot, so the next one
// catches it up.
const sendBuffer = 64

// Message is one framed update delivered to a subscriber.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscriber is one live listener in a room.
type Subscriber struct {
	ID      string
	EventID string

	ch     chan Message
	closed bool // guarded by the hub mutex
}

// C is the subscriber's receive channel. It closes when the subscriber is
// removed.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Hub implements ports.Broadcaster over in-process rooms.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	closed bool
	logger zerolog.Logger
}

var _ ports.Broadcaster = (*Hub)(nil)

func New() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		logger: log.WithComponent("hub"),
	}
}

// Subscribe joins the event's room. Returns nil if the hub is shut down.
func (h *Hub) Subscribe(eventID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	sub := &Subscriber{
		ID:      uuid.NewString(),
		EventID: eventID,
		ch:      make(chan Message, sendBuffer),
	}
	room := h.rooms[eventID]
	if room == nil {
		room = make(map[*Subscriber]struct{})
		h.rooms[eventID] = room
	}
	room[sub] = struct{}{}
	metrics.IncSubscribers()

	h.logger.Debug().
		Str(log.FieldEventID, eventID).
		Str(log.FieldSessionID, sub.ID).
		Int("room_size", len(room)).
		Msg("subscriber joined")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}

	if room, ok := h.rooms[sub.EventID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.EventID)
		}
	}
	sub.closed = true
	close(sub.ch)
	metrics.DecSubscribers()
}

// Broadcast delivers the payload to every subscriber in the event's room.
// Subscribers with a full buffer drop this message instead of blocking the
// caller.
func (h *Hub) Broadcast(eventID, topic string, payload any) {
	msg := Message{Type: topic, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for sub := range h.rooms[eventID] {
		select {
		case sub.ch <- msg:
			metrics.IncBroadcast(topic)
		default:
			metrics.IncBroadcastDrop(topic)
			h.logger.Warn().
				Str(log.FieldEventID, eventID).
				Str(log.FieldSessionID, sub.ID).
				Str(log.FieldTopic, topic).
				Msg("subscriber too slow, message dropped")
		}
	}
}

// RoomSize reports the number of live subscribers for an event.
func (h *Hub) RoomSize(eventID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[eventID])
}

// Close removes every subscriber and rejects future joins.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	for eventID, room := range h.rooms {
		for sub := range room {
			sub.closed = true
			close(sub.ch)
			metrics.DecSubscribers()
		}
		delete(h.rooms, eventID)
	}
	h.logger.Info().Msg("hub closed")
}
