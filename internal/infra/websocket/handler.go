package websocket

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/openctemio/sast-triage/pkg/logger"
)

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	subject  func(r *http.Request) string
	logger   *logger.Logger
}

// NewHandler creates a WebSocket handler. Origins are checked against
// allowedOrigins; "*" allows any. subject names the authenticated caller and may be nil.
func NewHandler(hub *Hub, allowedOrigins []string, subject func(r *http.Request) string, log *logger.Logger) *Handler {
	if subject == nil {
		subject = func(*http.Request) string { return "" }
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		subject: subject,
		logger:  log.With("component", "websocket"),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// ServeWS handles GET /api/v1/ws.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.subject(r), h.logger)
	if !h.hub.RegisterClient(client) {
		client.Close()
		return
	}

	h.logger.Info("websocket client connected", "client_id", client.ID, "remote_addr", r.RemoteAddr)

	go client.WritePump()
	go client.ReadPump()
}
