package chat

// InboundFrame is a client message. A missing type means "message",
// matching what existing frontends send.
type InboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	Question  string `json:"question,omitempty"`
}

type PongFrame struct {
	Type string `json:"type"`
}

func newPongFrame() PongFrame {
	return PongFrame{Type: "pong"}
}

// StatusFrame reports run progress. Status is "started" or
// "processing"; Node is set for node completion updates.
type StatusFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

func newStatusFrame(status, message, node string) StatusFrame {
	return StatusFrame{Type: "status", Status: status, Message: message, Node: node}
}

// StreamFrame carries one token of streamed response text. The stream
// ends with an empty token and Done set.
type StreamFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

func newStreamFrame(token string, done bool) StreamFrame {
	return StreamFrame{Type: "stream", Token: token, Done: done}
}

type SQLDataFrame struct {
	Type     string `json:"type"`
	DataType string `json:"data_type"`
	Data     any    `json:"data"`
}

func newSQLDataFrame(data any) SQLDataFrame {
	return SQLDataFrame{Type: "data", DataType: "sql_result", Data: data}
}

type ChartDataFrame struct {
	Type     string `json:"type"`
	DataType string `json:"data_type"`
	Spec     any    `json:"spec"`
}

func newChartDataFrame(spec any) ChartDataFrame {
	return ChartDataFrame{Type: "data", DataType: "chart", Spec: spec}
}

type QuestionsDataFrame struct {
	Type      string   `json:"type"`
	DataType  string   `json:"data_type"`
	Questions []string `json:"questions"`
}

func newQuestionsDataFrame(questions []string) QuestionsDataFrame {
	if questions == nil {
		questions = []string{}
	}
	return QuestionsDataFrame{Type: "data", DataType: "followup_questions", Questions: questions}
}

// ClarificationFrame asks the user to narrow the question before the
// analysis can continue. It takes the place of a complete frame.
type ClarificationFrame struct {
	Type              string `json:"type"`
	ClarificationType string `json:"clarification_type"`
	Message           string `json:"message"`
}

func newClarificationFrame(clarType, message string) ClarificationFrame {
	return ClarificationFrame{Type: "clarification", ClarificationType: clarType, Message: message}
}

// CompleteFrame closes a successful turn.
type CompleteFrame struct {
	Type       string         `json:"type"`
	Response   string         `json:"response"`
	SessionID  string         `json:"session_id"`
	TurnNumber int            `json:"turn_number"`
	Metadata   map[string]any `json:"metadata"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: msg}
}

// HistoryFrame replays prior turns when a client reconnects to an
// existing session. Sent once, before any message handling.
type HistoryFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Turns     []HistoryTurn `json:"turns"`
}

type HistoryTurn struct {
	TurnNumber int    `json:"turn_number"`
	Question   string `json:"question"`
	Response   string `json:"response"`
}
