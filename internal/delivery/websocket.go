package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventTurn is the event type of a turn broadcast.
const EventTurn = "TURN"

// Event is the frame written to WebSocket clients.
type Event struct {
	Type    string       `json:"type"`
	Payload Notification `json:"payload"`
}

const (
	clientBuffer = 32
	writeTimeout = 10 * time.Second
)

type wsClient struct {
	conn           *websocket.Conn
	send           chan []byte
	conversationID string
}

// Hub broadcasts turns to connected WebSocket clients. Clients may subscribe
// to a single conversation with ?conversation_id=<id>; slow clients are dropped.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// ServeHTTP upgrades the request and registers the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		conn:           conn,
		send:           make(chan []byte, clientBuffer),
		conversationID: r.URL.Query().Get("conversation_id"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames and unregisters the client on close.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Warn("WebSocket write failed", "error", err)
			h.remove(c)
			c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Deliver broadcasts n to every client subscribed to its conversation.
func (h *Hub) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(Event{Type: EventTurn, Payload: n})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if c.conversationID != "" && c.conversationID != n.ConversationID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Dropping slow WebSocket client", "conversation_id", c.conversationID)
		h.remove(c)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
