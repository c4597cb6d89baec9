// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	outboundBuffer = 16
)

// wsEnvelope is the frame format in both directions. Inbound frames carry
// joinEvent/leaveEvent commands; outbound frames carry hub broadcasts.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsEventRef struct {
	EventID string `json:"eventId"`
}

// wsConn is one websocket client. A connection is in at most one event room
// at a time; joining another event leaves the current one first.
type wsConn struct {
	conn  *websocket.Conn
	rooms *hub.Hub

	outbound chan []byte
	done     chan struct{}

	mu  sync.Mutex
	sub *hub.Subscriber

	logger zerolog.Logger
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		conn:     conn,
		rooms:    s.rooms,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
		logger:   s.logger,
	}

	go c.writePump()
	c.readPump(s)
}

// originAllowed mirrors the CORS policy for the websocket handshake.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// readPump drives the connection. It owns the room membership and tears the
// connection down when the client goes away.
func (c *wsConn) readPump(s *Server) {
	defer func() {
		c.leave()
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("malformed frame")
			continue
		}

		switch env.Type {
		case "joinEvent":
			var ref wsEventRef
			if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.EventID == "" {
				c.sendError("joinEvent requires an eventId")
				continue
			}
			c.join(s, ref.EventID)
		case "leaveEvent":
			c.leave()
		default:
			c.sendError("unknown frame type: " + env.Type)
		}
	}
}

// join switches the connection into the event's room and pushes the current
// state so the client does not have to wait for the next broadcast.
func (c *wsConn) join(s *Server, eventID string) {
	ctx := context.Background()

	if _, err := s.events.Get(ctx, eventID); err != nil {
		c.sendError("unknown event: " + eventID)
		return
	}

	c.mu.Lock()
	if c.sub != nil {
		c.rooms.Unsubscribe(c.sub)
		c.sub = nil
	}
	sub := c.rooms.Subscribe(eventID)
	if sub == nil {
		c.mu.Unlock()
		c.sendError("service is shutting down")
		return
	}
	c.sub = sub
	c.mu.Unlock()

	go c.forward(sub)

	c.push(hub.Message{Type: "joined", Payload: wsEventRef{EventID: eventID}})

	items, err := s.queues.GetQueue(ctx, eventID)
	if err == nil {
		if items == nil {
			items = []model.QueueItem{}
		}
		c.push(hub.Message{
			Type:    ports.TopicQueueUpdate,
			Payload: ports.QueueUpdatePayload{EventID: eventID, Queue: items},
		})
	}
	if status, err := s.playback.Status(eventID); err == nil {
		c.push(hub.Message{
			Type:    ports.TopicNowPlayingUpdate,
			Payload: ports.NowPlayingPayload{EventID: eventID, Track: status.Current},
		})
	}
}

func (c *wsConn) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.rooms.Unsubscribe(c.sub)
		c.sub = nil
	}
}

// forward drains one subscription into the outbound channel. It exits when
// the subscription is closed, which happens on leave, join switch, or hub
// shutdown.
func (c *wsConn) forward(sub *hub.Subscriber) {
	for msg := range sub.C() {
		if !c.push(msg) {
			return
		}
	}
}

// push frames a message for the write pump. Returns false once the
// connection is shutting down.
func (c *wsConn) push(msg hub.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("marshal websocket frame")
		return true
	}
	select {
	case c.outbound <- raw:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) sendError(message string) {
	c.push(hub.Message{
		Type:    "error",
		Payload: map[string]string{"message": message},
	})
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
