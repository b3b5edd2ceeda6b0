package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsChannel adapts a websocket connection to Channel.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// inbound is a client message on the status channel.
type inbound struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// Handler upgrades requests to status channels.
type Handler struct {
	reg           *Registry
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a status channel handler.
func NewHandler(reg *Registry, allowedOrigin string, isDev bool) *Handler {
	return &Handler{reg: reg, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	ch := &wsChannel{conn: ws}
	defer func() {
		removed := h.reg.UnregisterConn(ch)
		slog.Debug("Status channel closed", "bindings_removed", removed)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.readLoop(r.Context(), ws, ch)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ch *wsChannel) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client")
			} else {
				slog.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed status message", "error", err)
			continue
		}

		switch msg.Type {
		case "register":
			h.reg.Register(msg.MessageID, ch)
		case "unregister":
			h.reg.Unregister(msg.MessageID)
		case "ping":
			if err := wsjson.Write(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
