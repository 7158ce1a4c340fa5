// Package chat implements the WebSocket chat surface: the connection
// registry, the frame protocol, and the relay that turns engine events
// into client frames.
package chat

import (
	"context"
	"log/slog"
	"sync"
)

// Conn is the write side of a client connection. The websocket handler
// provides the real implementation; tests substitute their own.
type Conn interface {
	WriteFrame(ctx context.Context, v any) error
}

// Registry tracks the active connection per session. A session has at
// most one connection; registering a new one replaces the old binding,
// so in-flight turn frames follow the most recent connection.
type Registry struct {
	mu     sync.RWMutex
	active map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]Conn),
	}
}

// Register binds a connection to a session, replacing any previous one.
func (r *Registry) Register(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[sessionID] = conn
	slog.Info("Chat session registered", "session_id", sessionID)
}

// Unregister removes the binding only if conn still owns it, so a
// stale connection's teardown cannot evict its replacement.
func (r *Registry) Unregister(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[sessionID]; ok && current == conn {
		delete(r.active, sessionID)
		slog.Info("Chat session unregistered", "session_id", sessionID)
	}
}

// Get returns the active connection for a session, or nil.
func (r *Registry) Get(sessionID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// Send writes a frame to the session's current connection. Frames for
// sessions with no registered connection are dropped.
func (r *Registry) Send(ctx context.Context, sessionID string, v any) error {
	conn := r.Get(sessionID)
	if conn == nil {
		return nil
	}
	return conn.WriteFrame(ctx, v)
}

// Broadcast writes a frame to every registered connection, best effort.
// A failed write to one connection does not stop delivery to the rest.
func (r *Registry) Broadcast(ctx context.Context, v any) {
	r.mu.RLock()
	conns := make(map[string]Conn, len(r.active))
	for id, conn := range r.active {
		conns[id] = conn
	}
	r.mu.RUnlock()

	for id, conn := range conns {
		if err := conn.WriteFrame(ctx, v); err != nil {
			slog.Warn("Broadcast write failed", "session_id", id, "error", err)
		}
	}
}
