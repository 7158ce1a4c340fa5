// Package domain contains core domain types for the finsight server.
package domain

import (
	"time"
)

// Session represents a durable conversation identified by an opaque id.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is a session without its state payload, for list views.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one question/answer exchange persisted under a session.
// Turn numbers start at 1 and increase by one per session.
type Turn struct {
	SessionID     string         `json:"session_id"`
	TurnNumber    int            `json:"turn_number"`
	UserQuestion  string         `json:"user_question"`
	AgentResponse string         `json:"agent_response"`
	StateSnapshot State          `json:"state_snapshot"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TitleMaxLen caps session titles derived from the first question.
const TitleMaxLen = 100

// TitleFromQuestion derives a session title from the first question.
func TitleFromQuestion(question string) string {
	if len(question) > TitleMaxLen {
		return question[:TitleMaxLen]
	}
	return question
}
