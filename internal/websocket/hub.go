package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/repositories"
	"github.com/satriahrh/meetscribe/internal/metrics"
	"github.com/satriahrh/meetscribe/usecase"
)

// Hub maintains the set of connected clients and the dependencies each
// client session is built from.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when shutdown begins.
	stopping chan struct{}

	// Closed when Run returns.
	done chan struct{}

	mu sync.RWMutex

	transcriber    repositories.Transcriber
	transcripts    *usecase.TranscriptService
	metrics        *metrics.Metrics
	sessionConfig  SessionConfig
	allowedOrigins []string
	upgrader       websocket.Upgrader

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. An empty origin list or "*" accepts
// every origin.
func NewHub(
	transcriber repositories.Transcriber,
	transcripts *usecase.TranscriptService,
	m *metrics.Metrics,
	sessionConfig SessionConfig,
	allowedOrigins []string,
	logger *zap.Logger,
) *Hub {
	h := &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
		transcriber:    transcriber,
		transcripts:    transcripts,
		metrics:        m,
		sessionConfig:  sessionConfig,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// Run starts the hub's main loop. It returns when ctx is done, after closing
// every remaining client and waiting for its session to be finalized.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetActiveSessions(count)
			h.logger.Info("Client connected", zap.String("session_id", client.id), zap.Int("active", count))

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			close(h.stopping)

			h.mu.Lock()
			remaining := make([]*Client, 0, len(h.clients))
			for _, client := range h.clients {
				remaining = append(remaining, client)
			}
			h.mu.Unlock()

			for _, client := range remaining {
				client.conn.Close()
				h.remove(client)
			}
			for _, client := range remaining {
				<-client.done
			}
			h.logger.Info("WebSocket hub stopped", zap.Int("closed_clients", len(remaining)))
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	if ok {
		delete(h.clients, client.id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.closeSend()
	h.metrics.SetActiveSessions(count)
	h.logger.Info("Client disconnected", zap.String("session_id", client.id), zap.Int("active", count))
}

// ActiveSessions returns the number of connected clients
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || OriginAllowed(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("Rejected WebSocket origin", zap.String("origin", origin))
	return false
}

// OriginAllowed reports whether origin matches the allow list. An empty list
// or "*" allows everything; scheme-only entries such as "chrome-extension://"
// match any host with that scheme.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == "*" || strings.EqualFold(entry, origin) {
			return true
		}
		if strings.HasSuffix(entry, "://") {
			if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Scheme+"://", entry) {
				return true
			}
		}
	}
	return false
}

// HandleWebSocket upgrades the request and starts the client pumps.
func HandleWebSocket(hub *Hub, c echo.Context) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		hub.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return nil
	}

	id := ulid.Make().String()
	client := newClient(hub, conn, id)

	select {
	case hub.register <- client:
	case <-hub.stopping:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}
