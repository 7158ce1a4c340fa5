package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/finsight-ai/finsight/internal/store"
)

// WebSocketHandler upgrades chat connections and pumps inbound frames
// through the relay.
type WebSocketHandler struct {
	relay         *Relay
	registry      *Registry
	store         store.Store
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the chat WebSocket handler. Store may be
// nil when the server runs without persistence.
func NewWebSocketHandler(relay *Relay, registry *Registry, st store.Store, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		relay:         relay,
		registry:      registry,
		store:         st,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the chat WebSocket endpoints.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.ServeChat)
	r.Get("/ws/chat/{session_id}", h.ServeChat)
}

// wsConn adapts websocket.Conn to the relay's Conn interface.
// Writes use context.Background() so an in-flight frame is not cut off
// by request teardown; the library tracks connection state itself.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(ctx context.Context, v any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(context.Background(), websocket.MessageText, data)
}

// ServeChat handles both the fresh-session and resume endpoints. When
// a session id is bound in the path, persisted history is replayed
// before any message is read.
func (h *WebSocketHandler) ServeChat(w http.ResponseWriter, r *http.Request) {
	boundSessionID := chi.URLParam(r, "session_id")
	slog.Info("Chat connection request", "session_id", boundSessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{conn: ws}

	// Track every session this connection served so the bindings are
	// released on disconnect.
	served := make(map[string]struct{})
	defer func() {
		for sessionID := range served {
			h.registry.Unregister(sessionID, conn)
		}
	}()

	if boundSessionID != "" {
		h.registry.Register(boundSessionID, conn)
		served[boundSessionID] = struct{}{}
		h.sendHistory(ctx, conn, boundSessionID)
	}

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", boundSessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", boundSessionID)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			if writeErr := conn.WriteFrame(ctx, newErrorFrame("Invalid message format")); writeErr != nil {
				slog.Debug("Failed to send parse error", "error", writeErr)
			}
			continue
		}

		switch frame.Type {
		case "ping":
			if err := conn.WriteFrame(ctx, newPongFrame()); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "message", "":
			sessionID := h.relay.ProcessMessage(ctx, conn, frame, boundSessionID)
			if sessionID != "" {
				served[sessionID] = struct{}{}
			}
		default:
			// Unknown frame types are ignored so protocol additions
			// don't break older servers.
			slog.Debug("Ignoring unknown frame type", "type", frame.Type)
		}
	}
}

// sendHistory replays persisted turns for a resumed session. Failures
// are logged only; the session stays usable without its history.
func (h *WebSocketHandler) sendHistory(ctx context.Context, conn Conn, sessionID string) {
	if h.store == nil {
		return
	}

	turns, err := h.store.GetTurns(ctx, sessionID, 0)
	if err != nil {
		slog.Warn("Could not load session history", "session_id", sessionID, "error", err)
		return
	}

	frame := HistoryFrame{
		Type:      "history",
		SessionID: sessionID,
		Turns:     make([]HistoryTurn, 0, len(turns)),
	}
	for _, t := range turns {
		frame.Turns = append(frame.Turns, HistoryTurn{
			TurnNumber: t.TurnNumber,
			Question:   t.UserQuestion,
			Response:   t.AgentResponse,
		})
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		slog.Debug("Failed to send history", "session_id", sessionID, "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
