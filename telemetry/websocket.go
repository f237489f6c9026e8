package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

const wsWriteTimeout = time.Second

// Hub streams frames to every connected websocket client. It is an http.Handler.
type Hub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub returns a hub with no clients.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]bool{},
	}
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.mu.Lock()
	h.clients[ws] = true
	h.mu.Unlock()
	h.logger.Infow("telemetry client connected", "remote", r.RemoteAddr)

	// Clients never send; reading only detects the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(ws)
	h.logger.Infow("telemetry client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) drop(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ws] {
		delete(h.clients, ws)
		viamutils.UncheckedError(ws.Close())
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Name implements Publisher.
func (h *Hub) Name() string { return "websocket" }

// Publish implements Publisher. Clients that cannot keep up are disconnected.
func (h *Hub) Publish(ctx context.Context, frame Frame) error {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var err error
	for _, c := range clients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		viamutils.UncheckedError(c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)))
		if werr := c.WriteJSON(frame); werr != nil {
			err = multierr.Append(err, errors.Wrapf(werr, "writing to %s", c.RemoteAddr()))
			h.drop(c)
		}
	}
	return err
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for c := range h.clients {
		err = multierr.Append(err, c.Close())
		delete(h.clients, c)
	}
	return err
}
