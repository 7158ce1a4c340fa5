package workflow

import "github.com/finsight-ai/finsight/internal/domain"

// EventType identifies one kind of engine event.
type EventType string

const (
	EventWorkflowStart     EventType = "workflow_start"
	EventNodeComplete      EventType = "node_complete"
	EventNarrative         EventType = "narrative"
	EventSQLResult         EventType = "sql_result"
	EventChart             EventType = "chart"
	EventFollowupQuestions EventType = "followup_questions"
	EventWorkflowEnd       EventType = "workflow_end"
	EventError             EventType = "error"
)

// Event is one item in an engine run's stream. Which fields are set
// depends on Type: Node and Data for node completions, Content for
// narrative text, SQLData/Spec/Questions for result payloads, State
// for the final state, Err for in-band failures.
type Event struct {
	Type      EventType
	Node      string
	Data      map[string]any
	Content   string
	SQLData   any
	Spec      any
	Questions []string
	State     domain.State
	Err       string
}
