package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/farmreg/internal/engine"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type wsError struct {
	Error string `json:"error"`
}

// ServeWS upgrades GET /ws/turns. Each inbound JSON message is one turn and
// is answered with one response message on the same connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(maxRequestBodySize)

	ctx := r.Context()
	for {
		var in engine.Inbound
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client")
			} else {
				h.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var reply any
		switch err := validateInbound(in); {
		case err != nil:
			reply = wsError{Error: err.Error()}
		case !h.allow(in.SubjectID):
			reply = wsError{Error: "rate limit exceeded"}
		default:
			reply = h.engine.HandleTurn(ctx, in)
		}
		if err := wsjson.Write(ctx, ws, reply); err != nil {
			h.logger.Warn("WebSocket write error", "error", err)
			return
		}
	}
}

// checkOrigin allows requests without an Origin header (non-browser
// channel adapters), any origin in development, and the configured
// frontend origin otherwise.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.development || h.allowedOrigin == "" {
		return true
	}
	if strings.TrimRight(origin, "/") == strings.TrimRight(h.allowedOrigin, "/") {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
