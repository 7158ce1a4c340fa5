package domain

// State is the opaque, dynamically-shaped session payload produced and
// consumed by the workflow engine. The relay passes it through untouched
// except for the small set of fields named below.
type State map[string]any

// Relay-owned state fields. Everything else in a State belongs to the
// workflow engine and is round-tripped as-is.
const (
	KeyCurrentQuestion = "current_question"
	KeyUserQuestion    = "user_question"
	KeySessionID       = "session_id"
	KeyUserID          = "user_id"
	KeyUserEmail       = "user_email"
	KeyTurnNumber      = "turn_number"

	KeyGreetingResponse = "greeting_response"
	KeyDomainFollowup   = "domain_followup_question"
	KeyDatasetFollowup  = "dataset_followup_question"
	KeySQLFollowup      = "sql_followup_question"
	KeyQuestionType     = "question_type"
	KeyNextAgent        = "next_agent"

	KeyRequiresDomainClarification  = "requires_domain_clarification"
	KeyRequiresDatasetClarification = "requires_dataset_clarification"
)

// Clone returns a shallow copy of the state. A nil state clones to an
// empty, writable map.
func (s State) Clone() State {
	out := make(State, len(s)+6)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the string value for key, or "" if absent or not a string.
func (s State) String(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the bool value for key, or false if absent or not a bool.
func (s State) Bool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}

// Int returns the integer value for key. JSON round-trips store numbers as
// float64, so both representations are accepted.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// TurnNumber returns the turn counter carried in the state, 0 when unset.
func (s State) TurnNumber() int {
	return s.Int(KeyTurnNumber)
}

// BeginTurn merges the relay-owned request fields into the state ahead of a
// workflow run.
func (s State) BeginTurn(question, sessionID, userID, userEmail string) {
	s[KeyCurrentQuestion] = question
	s[KeyUserQuestion] = question
	s[KeySessionID] = sessionID
	s[KeyUserID] = userID
	if userEmail != "" {
		s[KeyUserEmail] = userEmail
	}
}
