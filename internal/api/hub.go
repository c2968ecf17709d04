package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aidehq/aide/internal/logging"
)

// Event is one pushed engine event.
type Event struct {
	Type      string      `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans engine events out to connected websocket clients. Slow clients
// get dropped rather than blocking the engine.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	events     chan Event
	upgrader   websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run pumps events to clients. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast queues an event for all clients. Never blocks; when the queue
// is full the event is dropped.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	default:
		logging.Warn("Event hub queue full, dropping %s event", ev.Type)
	}
}

// ServeHTTP upgrades the connection and attaches the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan Event, 16)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readPump discards inbound frames; the socket is push-only. Reading is
// still required to notice the peer going away.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
