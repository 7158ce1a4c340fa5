package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/finsight-ai/finsight/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Initialize creates the sessions and turns tables if they do not exist.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		user_question TEXT NOT NULL,
		agent_response TEXT NOT NULL,
		state_snapshot TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, turn_number)
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveSession creates or updates a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sessionID, userID string, state domain.State, title string) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	// Timestamps are unix nanoseconds so recency ordering stays stable for
	// saves within the same second.
	now := time.Now().UnixNano()
	query := `
	INSERT INTO sessions (session_id, user_id, title, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		title = COALESCE(NULLIF(excluded.title, ''), sessions.title),
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query, sessionID, userID, title, stateJSON, now, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, title, state, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var stateJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Title, &stateJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)

	return &sess, nil
}

// ListSessions returns session summaries for a user, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]domain.SessionSummary, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM sessions WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var summaries []domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary row: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt)
		sum.UpdatedAt = time.Unix(0, updatedAt)
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return summaries, nil
}

// DeleteSession removes a session and all its turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("delete turns: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SaveTurn appends one conversation turn.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *domain.Turn) error {
	stateJSON, err := marshalJSON(turn.StateSnapshot)
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	metadataJSON, err := marshalJSON(turn.Metadata)
	if err != nil {
		return fmt.Errorf("encode turn metadata: %w", err)
	}

	query := `
	INSERT INTO turns (session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		turn.SessionID, turn.TurnNumber, turn.UserQuestion, turn.AgentResponse,
		stateJSON, metadataJSON, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetTurns returns turns for a session ascending by turn number.
func (s *SQLiteStore) GetTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	query := `
		SELECT session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at
		FROM turns WHERE session_id = ?
		ORDER BY turn_number ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return turns, nil
}

// GetLatestTurn returns the most recent turn for a session.
func (s *SQLiteStore) GetLatestTurn(ctx context.Context, sessionID string) (*domain.Turn, error) {
	query := `
		SELECT session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at
		FROM turns WHERE session_id = ?
		ORDER BY turn_number DESC
		LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query latest turn: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close latest turn rows", "error", closeErr)
		}
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate latest turn: %w", err)
		}
		return nil, nil
	}
	return scanTurn(rows)
}

// HealthCheck verifies database connectivity.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("health query: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanTurn(rows *sql.Rows) (*domain.Turn, error) {
	var turn domain.Turn
	var stateJSON, metadataJSON string
	var createdAt int64

	if err := rows.Scan(
		&turn.SessionID, &turn.TurnNumber, &turn.UserQuestion, &turn.AgentResponse,
		&stateJSON, &metadataJSON, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan turn row: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &turn.StateSnapshot); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &turn.Metadata); err != nil {
		return nil, fmt.Errorf("decode turn metadata: %w", err)
	}
	turn.CreatedAt = time.Unix(0, createdAt)

	return &turn, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
