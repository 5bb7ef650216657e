// Package ws serves live rooms over websockets: one room session per
// connection, views pushed on every change.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"icebreaker/backend/internal/room"
	"icebreaker/backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 16 * 1024

	// Time allowed for a session to load the room before the connection is dropped
	startTimeout = 15 * time.Second
)

var meter = otel.Meter("icebreaker/ws")

// SessionFactory builds the session backing one connection
type SessionFactory func(roomID, userID string) *room.Session

// Options configures a Hub
type Options struct {
	// SendRate and SendBurst limit chat sends per connection
	SendRate  rate.Limit
	SendBurst int
	// AllowedOrigins lists accepted Origin headers; "*" accepts any
	AllowedOrigins []string
}

// Hub tracks live connections per room
type Hub struct {
	newSession SessionFactory
	opts       Options
	log        *logger.Logger
	upgrader   websocket.Upgrader
	conns      metric.Int64UpDownCounter

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates a hub. Run must be started before connections are served.
func NewHub(newSession SessionFactory, opts Options, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 1
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 5
	}
	h := &Hub{
		newSession: newSession,
		opts:       opts,
		log:        log.WithComponent("ws"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
	conns, err := meter.Int64UpDownCounter("icebreaker.ws.connections",
		metric.WithDescription("Open websocket connections"))
	if err != nil {
		h.log.Warn("websocket connection counter unavailable", "error", err.Error())
	}
	h.conns = conns
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	return h
}

// Run processes registrations until ctx ends, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			clients, ok := h.rooms[c.roomID]
			if !ok {
				clients = make(map[*Client]struct{})
				h.rooms[c.roomID] = clients
			}
			clients[c] = struct{}{}
			n := len(clients)
			h.mu.Unlock()
			h.count(ctx, 1)
			h.log.Debug("client registered", "client_id", c.id, "room_id", c.roomID, "room_connections", n)

		case c := <-h.unregister:
			h.mu.Lock()
			_, known := h.rooms[c.roomID][c]
			if known {
				delete(h.rooms[c.roomID], c)
				if len(h.rooms[c.roomID]) == 0 {
					delete(h.rooms, c.roomID)
				}
			}
			h.mu.Unlock()
			if known {
				h.count(ctx, -1)
			}
			h.log.Debug("client unregistered", "client_id", c.id, "room_id", c.roomID)

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			var all []*Client
			for _, clients := range h.rooms {
				for c := range clients {
					all = append(all, c)
				}
			}
			h.rooms = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			h.count(context.Background(), -int64(len(all)))
			for _, c := range all {
				c.close()
			}
			return
		}
	}
}

func (h *Hub) count(ctx context.Context, delta int64) {
	if h.conns != nil {
		h.conns.Add(ctx, delta)
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connections returns the number of live connections in roomID
func (h *Hub) Connections(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ActiveConnections returns live connection counts keyed by room
func (h *Hub) ActiveConnections() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, clients := range h.rooms {
		out[id] = len(clients)
	}
	return out
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Warn("websocket origin rejected", "origin", origin)
	return false
}
