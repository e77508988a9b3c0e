package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fnforge/fnforge/pkg/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	// functionID restricts delivery to one function's events when set.
	functionID string
}

// Hub fans deploy events out to websocket clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan telemetry.Event
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	// done is closed when Run returns.
	done     chan struct{}
	stopOnce sync.Once

	// registerWait bounds how long a new connection waits for Run to take it.
	registerWait time.Duration
}

// NewHub creates a hub accepting browser connections from allowedOrigins.
// Connections without an Origin header and from localhost are always accepted.
func NewHub(allowedOrigins []string, logger zerolog.Logger) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return &Hub{
		clients:      make(map[*client]bool),
		broadcast:    make(chan telemetry.Event, 256),
		register:     make(chan *client),
		unregister:   make(chan *client),
		done:         make(chan struct{}),
		registerWait: writeWait,
		logger:       logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || wildcard || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Run delivers broadcasts until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error().Err(err).Str("type", evt.Type).Msg("Failed to encode event")
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.functionID != "" && c.functionID != evt.FunctionID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow client
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for delivery. It never blocks; events are
// dropped while the queue is full.
func (h *Hub) Broadcast(evt telemetry.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn().Str("type", evt.Type).Msg("Hub queue full, event dropped")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades the request to a websocket. The optional
// function_id query parameter limits the stream to one function.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		functionID: r.URL.Query().Get("function_id"),
	}
	select {
	case h.register <- c:
	case <-h.done:
		h.reject(conn, "event stream stopped")
		return
	case <-time.After(h.registerWait):
		h.reject(conn, "event stream unavailable")
		return
	}

	go c.writePump()
	go c.readPump(h)
}

// reject closes a connection the hub could not take.
func (h *Hub) reject(conn *websocket.Conn, reason string) {
	h.logger.Warn().Str("reason", reason).Msg("Websocket connection rejected")
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
