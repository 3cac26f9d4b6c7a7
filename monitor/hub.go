// Package monitor streams live training events to WebSocket clients so
// a dashboard can follow loss and accuracy without tailing log files.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// event is the wire envelope pushed to every connected client
type event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Hub fans training events out to connected WebSocket clients.  It
// implements the orchestrator's Publisher interface; a slow client is
// dropped rather than allowed to stall training.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// client is one connected WebSocket peer with a buffered outbound
// queue
type client struct {
	conn *websocket.Conn
	send chan []byte
}

const sendBuffer = 16

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {

	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		log:     log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// client until its connection drops
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	conn, err := h.upgrader.Upgrade(w, r, nil)

	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}

	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("monitor client connected",
		zap.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Publish serializes the event and queues it to every client.  Clients
// whose queue is full are disconnected.
func (h *Hub) Publish(eventType string, payload any) {

	data, err := json.Marshal(event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})

	if err != nil {
		h.log.Warn("marshal monitor event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {

	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every client and rejects new connections
func (h *Hub) Close() {

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for c := range h.clients {
		h.dropLocked(c)
	}
}

// dropLocked removes a client and closes its queue, the hub mutex must
// be held
func (h *Hub) dropLocked(c *client) {

	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	close(c.send)
}

// writeLoop drains the client's queue onto the wire
func (h *Hub) writeLoop(c *client) {

	defer c.conn.Close()

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop consumes inbound frames so close handshakes and pings are
// processed, then unregisters on error
func (h *Hub) readLoop(c *client) {

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			c.conn.Close()
			return
		}
	}
}

// remove unregisters a client outside Publish
func (h *Hub) remove(c *client) {

	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(c)
}
