// Package events fans committed pool events out to live consumers:
// WebSocket clients through Hub and a NATS subject tree through Publisher.
// Both expose a Publish method with the pool commit hook signature.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/credit-pool/internal/address"
	"github.com/atmx/credit-pool/internal/metrics"
	"github.com/atmx/credit-pool/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  string      `json:"type"`
	Event model.Event `json:"event"`
}

type outbound struct {
	account model.Address
	data    []byte
}

// client is one connection. A non-empty account restricts delivery to
// events about that account.
type client struct {
	conn    *websocket.Conn
	account model.Address
}

// Hub manages WebSocket connections and broadcasts pool events to every
// connected client.
type Hub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan outbound
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "account", c.account)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if c.account != "" && c.account != msg.account {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues every event for broadcast. It never blocks: events are
// dropped when the buffer is full.
func (h *Hub) Publish(_ *model.PoolState, events []model.Event) {
	for _, e := range events {
		data, err := json.Marshal(WSMessage{Type: "pool_event", Event: e})
		if err != nil {
			continue
		}
		select {
		case h.broadcast <- outbound{account: e.Account, data: data}:
		default:
			slog.Warn("ws broadcast buffer full, dropping event", "kind", e.Kind, "id", e.ID)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional ?account= query parameter subscribes to one account's events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c := &client{}
	if raw := r.URL.Query().Get("account"); raw != "" {
		account, err := address.Parse(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.account = account
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c.conn = conn

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
