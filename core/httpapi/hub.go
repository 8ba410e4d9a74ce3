package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/makeict/mcp/api"
)

const (
	// HubName is the subscriber name the hub registers on the event bus
	HubName = "websocket"

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans bus events out to websocket clients. Delivery never blocks the
// bus: events for a full hub are dropped, and clients that fall behind are
// disconnected.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan api.Event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	count      atomic.Int32
	logger     api.Logger
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan api.Event
}

// NewHub creates a new websocket hub
func NewHub(logger api.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan api.Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Name() string { return HubName }

// HandleEvent queues an event for every connected client
func (h *Hub) HandleEvent(event api.Event) error {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Websocket hub is full, event dropped", "event", event.Name)
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run handles registration and fan-out until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return nil

		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)
			h.logger.Debug("Websocket client connected", "client", client.id)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("Websocket client disconnected", "client", client.id)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					h.drop(client)
					h.logger.Warn("Websocket client too slow, disconnected", "client", client.id)
				}
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	delete(h.clients, client)
	h.count.Add(-1)
	close(client.send)
}

// serveEvents upgrades the request and streams events to it
func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan api.Event, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump pumps events from the hub to the websocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.hub.logger.Debug("Websocket write failed", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed.
// The stream is one-way; anything a client sends is discarded.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket error", "client", c.id, "error", err)
			}
			return
		}
	}
}
