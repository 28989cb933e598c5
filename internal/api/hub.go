package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// The feed is read-only and served to local dashboards
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Subscriber is the source of live transcript events
type Subscriber interface {
	Subscribe() (<-chan session.ChunkEvent, func())
}

// Hub streams transcript events to websocket clients. Each client gets
// its own subscription.
type Hub struct {
	source Subscriber
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	closed  bool
}

func NewHub(source Subscriber) *Hub {
	return &Hub{
		source:  source,
		logger:  observability.Component("live-feed"),
		clients: make(map[string]*websocket.Conn),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and streams events until the client
// disconnects or the hub closes
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	logger := h.logger.With().Str("client_id", clientID).Logger()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[clientID] = conn
	h.mu.Unlock()

	events, unsubscribe := h.source.Subscribe()
	defer func() {
		unsubscribe()
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		logger.Info().Msg("Live feed client disconnected")
	}()

	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Live feed client connected")

	// Reads only service control frames; a read error means the client left
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn().Err(err).Msg("Failed to write live feed event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, conn := range h.clients {
		conn.Close()
		delete(h.clients, id)
	}
}
