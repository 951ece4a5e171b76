package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusSource is what the hub broadcasts.
type StatusSource interface {
	Status() cell.Status
}

// Message is the JSON envelope sent to clients on every broadcast tick.
type Message struct {
	Event string      `json:"event"`
	Data  cell.Status `json:"data"`
}

// Hub fans the cell status out to websocket clients every interval.
type Hub struct {
	src      StatusSource
	interval time.Duration
	log      logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub that reads from src and broadcasts every interval.
func NewHub(src StatusSource, interval time.Duration) *Hub {
	return &Hub{
		src:      src,
		interval: interval,
		log:      logger.New("hub"),
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.broadcast()
		}
	}
}

// ServeHTTP upgrades the connection and sends the current status right away.
// It blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	// Only the hub sends on c.send once c is registered.
	if data, err := h.buildMessage(); err == nil {
		c.send <- data
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug().Int("clients", h.Count()).Msg("Stream client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast() {
	if h.Count() == 0 {
		return
	}

	data, err := h.buildMessage()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode status")
		return
	}

	// Sends and closes of c.send both happen under mu.
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) buildMessage() ([]byte, error) {
	return json.Marshal(Message{Event: "status", Data: h.src.Status()})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
