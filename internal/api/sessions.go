package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finsight-ai/finsight/internal/domain"
	"github.com/finsight-ai/finsight/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// SessionHandler serves the session management REST API. All routes
// answer 503 when the server runs without a store.
type SessionHandler struct {
	store store.Store
}

func NewSessionHandler(st store.Store) *SessionHandler {
	return &SessionHandler{store: st}
}

// RegisterRoutes registers session routes under /api/sessions.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{session_id}", h.GetSession)
		r.Get("/{session_id}/history", h.GetHistory)
		r.Get("/{session_id}/state", h.GetState)
		r.Delete("/{session_id}", h.DeleteSession)
	})
}

type SessionSummaryResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionSummaryResponse `json:"sessions"`
	Total    int                      `json:"total"`
	Limit    int                      `json:"limit"`
	Offset   int                      `json:"offset"`
}

type TurnResponse struct {
	TurnNumber int    `json:"turn_number"`
	Question   string `json:"question"`
	Response   string `json:"response"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type SessionDetailResponse struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
	Turns     []TurnResponse `json:"turns"`
}

type SessionStateResponse struct {
	SessionID string       `json:"session_id"`
	State     domain.State `json:"state"`
}

type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ListSessions handles GET /api/sessions?user_id=...&limit=...&offset=...
// Sessions come back most recently updated first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		Error(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		Error(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), userID, limit, offset)
	if err != nil {
		slog.Error("Failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := SessionListResponse{
		Sessions: make([]SessionSummaryResponse, 0, len(sessions)),
		Total:    len(sessions),
		Limit:    limit,
		Offset:   offset,
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionSummaryResponse{
			SessionID: s.SessionID,
			Title:     s.Title,
			CreatedAt: formatTime(s.CreatedAt),
			UpdatedAt: formatTime(s.UpdatedAt),
		})
	}
	JSON(w, http.StatusOK, resp)
}

// GetSession handles GET /api/sessions/{session_id}?include_turns=...
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to get session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	resp := SessionDetailResponse{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Title:     sess.Title,
		CreatedAt: formatTime(sess.CreatedAt),
		UpdatedAt: formatTime(sess.UpdatedAt),
		Turns:     []TurnResponse{},
	}

	includeTurns := true
	if raw := r.URL.Query().Get("include_turns"); raw != "" {
		includeTurns = raw == "true" || raw == "1"
	}
	if includeTurns {
		turns, err := h.store.GetTurns(r.Context(), sessionID, 0)
		if err != nil {
			slog.Error("Failed to get turns", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to get session history")
			return
		}
		resp.Turns = turnResponses(turns)
	}

	JSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /api/sessions/{session_id}/history?limit=...
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to get session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	// limit 0 means all turns.
	limit := queryInt(r, "limit", 0)
	if limit < 0 || limit > maxListLimit {
		Error(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 0 and %d", maxListLimit))
		return
	}

	turns, err := h.store.GetTurns(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to get turns", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session history")
		return
	}
	JSON(w, http.StatusOK, turnResponses(turns))
}

// GetState handles GET /api/sessions/{session_id}/state. It exposes
// the stored engine state for debugging and workflow resumption.
func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to get session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	JSON(w, http.StatusOK, SessionStateResponse{
		SessionID: sessionID,
		State:     sess.State,
	})
}

// DeleteSession handles DELETE /api/sessions/{session_id}.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	existed, err := h.store.DeleteSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to delete session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !existed {
		Error(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	slog.Info("Session deleted", "session_id", sessionID)
	JSON(w, http.StatusOK, DeleteResponse{
		Success: true,
		Message: fmt.Sprintf("Session %s deleted successfully", sessionID),
	})
}

func turnResponses(turns []domain.Turn) []TurnResponse {
	out := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, TurnResponse{
			TurnNumber: t.TurnNumber,
			Question:   t.UserQuestion,
			Response:   t.AgentResponse,
			CreatedAt:  formatTime(t.CreatedAt),
		})
	}
	return out
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
