package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"loxonecontrol/internal/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Websocket message types.
const (
	WSTypeSnapshot = "snapshot"
	WSTypeEvent    = "event"

	wsSendBufferSize = 256
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// WSMessage is a message sent to websocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// same policy as the CORS headers
		return true
	},
}

// Hub streams accessory events from the bus to websocket clients.
type Hub struct {
	bus    *events.Bus
	sub    events.Subscription
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub subscribed to bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	h := &Hub{
		bus:     bus,
		logger:  logger.Named("websocket"),
		clients: make(map[*wsClient]struct{}),
	}
	if bus != nil {
		h.sub = bus.Subscribe(h.broadcastEvent)
	}
	return h
}

// ServeHTTP upgrades the connection and sends the current snapshot first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	if data, err := encodeMessage(WSTypeSnapshot, h.bus.Snapshot()); err == nil {
		client.send <- data
	}

	if !h.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("Websocket client connected", zap.Int("clients", h.ClientCount()))
	return true
}

// unregister closes the send channel of c exactly once.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("Websocket client disconnected", zap.Int("clients", h.ClientCount()))
}

func (h *Hub) broadcastEvent(ev events.Event) {
	data, err := encodeMessage(WSTypeEvent, ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("identifier", ev.Identifier), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Websocket client too slow, dropping event", zap.String("identifier", ev.Identifier))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects all clients.
func (h *Hub) Close() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func encodeMessage(typ string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
