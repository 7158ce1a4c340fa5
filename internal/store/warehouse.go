package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/finsight-ai/finsight/internal/domain"
	"github.com/finsight-ai/finsight/internal/warehouse"
)

// Executor runs one SQL statement against the remote warehouse.
// *warehouse.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, statement string, params []warehouse.Parameter) ([]map[string]any, error)
}

// WarehouseStore implements Store on top of the remote SQL warehouse.
// Sessions and turns live in two Delta tables whose fully-qualified names
// come from configuration. All caller data is bound as statement
// parameters; only the operator-configured table names are interpolated.
type WarehouseStore struct {
	exec          Executor
	sessionsTable string
	turnsTable    string
}

// NewWarehouse creates a warehouse-backed store.
func NewWarehouse(exec Executor, sessionsTable, turnsTable string) *WarehouseStore {
	return &WarehouseStore{
		exec:          exec,
		sessionsTable: sessionsTable,
		turnsTable:    turnsTable,
	}
}

// Initialize creates the sessions and turns tables if they do not exist.
func (s *WarehouseStore) Initialize(ctx context.Context) error {
	createSessions := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		session_id STRING NOT NULL,
		user_id STRING NOT NULL,
		title STRING,
		state STRING,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)
	USING DELTA`, s.sessionsTable)

	createTurns := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		session_id STRING NOT NULL,
		turn_number INT NOT NULL,
		user_question STRING,
		agent_response STRING,
		state_snapshot STRING,
		metadata STRING,
		created_at TIMESTAMP
	)
	USING DELTA`, s.turnsTable)

	if _, err := s.exec.Execute(ctx, createSessions, nil); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.exec.Execute(ctx, createTurns, nil); err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}
	return nil
}

// SaveSession creates or updates a session using MERGE.
func (s *WarehouseStore) SaveSession(ctx context.Context, sessionID, userID string, state domain.State, title string) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	statement := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (SELECT :session_id AS session_id) AS source
	ON target.session_id = source.session_id
	WHEN MATCHED THEN
		UPDATE SET
			state = :state,
			title = COALESCE(NULLIF(:title, ''), target.title),
			updated_at = :now
	WHEN NOT MATCHED THEN
		INSERT (session_id, user_id, title, state, created_at, updated_at)
		VALUES (:session_id, :user_id, :title, :state, :now, :now)`, s.sessionsTable)

	_, err = s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
		{Name: "user_id", Value: userID, Type: "STRING"},
		{Name: "title", Value: title, Type: "STRING"},
		{Name: "state", Value: stateJSON, Type: "STRING"},
		{Name: "now", Value: time.Now().UTC().Format(time.RFC3339Nano), Type: "TIMESTAMP"},
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *WarehouseStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	statement := fmt.Sprintf(`
	SELECT session_id, user_id, title, state, created_at, updated_at
	FROM %s
	WHERE session_id = :session_id`, s.sessionsTable)

	rows, err := s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
	})
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	sess := &domain.Session{
		SessionID: asString(row["session_id"]),
		UserID:    asString(row["user_id"]),
		Title:     asString(row["title"]),
		State:     domain.State{},
		CreatedAt: parseTimestamp(row["created_at"]),
		UpdatedAt: parseTimestamp(row["updated_at"]),
	}
	if raw := asString(row["state"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.State); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	return sess, nil
}

// ListSessions returns session summaries for a user, most recent first.
func (s *WarehouseStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]domain.SessionSummary, error) {
	statement := fmt.Sprintf(`
	SELECT session_id, user_id, title, created_at, updated_at
	FROM %s
	WHERE user_id = :user_id
	ORDER BY updated_at DESC
	LIMIT %d OFFSET %d`, s.sessionsTable, limit, offset)

	rows, err := s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "user_id", Value: userID, Type: "STRING"},
	})
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	summaries := make([]domain.SessionSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, domain.SessionSummary{
			SessionID: asString(row["session_id"]),
			UserID:    asString(row["user_id"]),
			Title:     asString(row["title"]),
			CreatedAt: parseTimestamp(row["created_at"]),
			UpdatedAt: parseTimestamp(row["updated_at"]),
		})
	}
	return summaries, nil
}

// DeleteSession removes a session and all its turns, turns first.
func (s *WarehouseStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	existing, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	deleteTurns := fmt.Sprintf(`DELETE FROM %s WHERE session_id = :session_id`, s.turnsTable)
	if _, err := s.exec.Execute(ctx, deleteTurns, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
	}); err != nil {
		return false, fmt.Errorf("delete turns: %w", err)
	}

	deleteSession := fmt.Sprintf(`DELETE FROM %s WHERE session_id = :session_id`, s.sessionsTable)
	if _, err := s.exec.Execute(ctx, deleteSession, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
	}); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	return existing != nil, nil
}

// SaveTurn appends one conversation turn.
func (s *WarehouseStore) SaveTurn(ctx context.Context, turn *domain.Turn) error {
	stateJSON, err := marshalJSON(turn.StateSnapshot)
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	metadataJSON, err := marshalJSON(turn.Metadata)
	if err != nil {
		return fmt.Errorf("encode turn metadata: %w", err)
	}

	statement := fmt.Sprintf(`
	INSERT INTO %s
	(session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at)
	VALUES (:session_id, :turn_number, :user_question, :agent_response, :state_snapshot, :metadata, :now)`, s.turnsTable)

	_, err = s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "session_id", Value: turn.SessionID, Type: "STRING"},
		{Name: "turn_number", Value: turn.TurnNumber, Type: "INT"},
		{Name: "user_question", Value: turn.UserQuestion, Type: "STRING"},
		{Name: "agent_response", Value: turn.AgentResponse, Type: "STRING"},
		{Name: "state_snapshot", Value: stateJSON, Type: "STRING"},
		{Name: "metadata", Value: metadataJSON, Type: "STRING"},
		{Name: "now", Value: time.Now().UTC().Format(time.RFC3339Nano), Type: "TIMESTAMP"},
	})
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetTurns returns turns for a session ascending by turn number.
func (s *WarehouseStore) GetTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	statement := fmt.Sprintf(`
	SELECT session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at
	FROM %s
	WHERE session_id = :session_id
	ORDER BY turn_number ASC`, s.turnsTable)
	if limit > 0 {
		statement += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
	})
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	turns := make([]domain.Turn, 0, len(rows))
	for _, row := range rows {
		turn, err := turnFromRow(row)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	return turns, nil
}

// GetLatestTurn returns the most recent turn for a session.
func (s *WarehouseStore) GetLatestTurn(ctx context.Context, sessionID string) (*domain.Turn, error) {
	statement := fmt.Sprintf(`
	SELECT session_id, turn_number, user_question, agent_response, state_snapshot, metadata, created_at
	FROM %s
	WHERE session_id = :session_id
	ORDER BY turn_number DESC
	LIMIT 1`, s.turnsTable)

	rows, err := s.exec.Execute(ctx, statement, []warehouse.Parameter{
		{Name: "session_id", Value: sessionID, Type: "STRING"},
	})
	if err != nil {
		return nil, fmt.Errorf("query latest turn: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return turnFromRow(rows[0])
}

// HealthCheck executes a trivial query against the warehouse.
func (s *WarehouseStore) HealthCheck(ctx context.Context) error {
	rows, err := s.exec.Execute(ctx, `SELECT 1 AS health`, nil)
	if err != nil {
		return fmt.Errorf("health query: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("health query returned no rows")
	}
	return nil
}

// Close is a no-op; the executor's HTTP pool is owned by its creator.
func (s *WarehouseStore) Close() error {
	return nil
}

func turnFromRow(row map[string]any) (*domain.Turn, error) {
	turn := &domain.Turn{
		SessionID:     asString(row["session_id"]),
		TurnNumber:    asInt(row["turn_number"]),
		UserQuestion:  asString(row["user_question"]),
		AgentResponse: asString(row["agent_response"]),
		StateSnapshot: domain.State{},
		CreatedAt:     parseTimestamp(row["created_at"]),
	}
	if raw := asString(row["state_snapshot"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &turn.StateSnapshot); err != nil {
			return nil, fmt.Errorf("decode state snapshot: %w", err)
		}
	}
	if raw := asString(row["metadata"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &turn.Metadata); err != nil {
			return nil, fmt.Errorf("decode turn metadata: %w", err)
		}
	}
	return turn, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// asInt handles the warehouse API returning numbers as JSON strings or
// float64 depending on disposition.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v any) time.Time {
	s := asString(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
