// Package store provides session and turn persistence interfaces and
// implementations.
package store

import (
	"context"

	"github.com/finsight-ai/finsight/internal/domain"
)

// Store defines the interface for persisting sessions and their turn log.
// Backends are selected at construction time; callers never inspect the
// concrete type.
type Store interface {
	// Initialize creates backing tables if they do not exist.
	Initialize(ctx context.Context) error

	// SaveSession creates or updates a session. An existing row keeps its
	// created_at and user_id; state and updated_at are refreshed. An empty
	// title leaves any stored title unchanged.
	SaveSession(ctx context.Context, sessionID, userID string, state domain.State, title string) error

	// GetSession retrieves a session by id, or nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns session summaries for a user ordered by
	// updated_at descending, sliced by offset/limit.
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]domain.SessionSummary, error)

	// DeleteSession removes all turns for a session and then the session
	// itself. Reports whether a session row existed.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// SaveTurn appends one turn. The caller supplies a correct sequential
	// turn number; the store does not enforce the sequence invariant.
	SaveTurn(ctx context.Context, turn *domain.Turn) error

	// GetTurns returns turns ascending by turn number. A limit of 0 means
	// no cap.
	GetTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)

	// GetLatestTurn returns the highest-numbered turn, or nil if none.
	GetLatestTurn(ctx context.Context, sessionID string) (*domain.Turn, error)

	// HealthCheck executes a trivial query against the backend.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
