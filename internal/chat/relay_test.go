package chat

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/finsight-ai/finsight/internal/domain"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/workflow"
)

// scriptedEngine replays a fixed event sequence.
type scriptedEngine struct {
	events    []workflow.Event
	streamErr error
}

func (e *scriptedEngine) Run(ctx context.Context, state domain.State) iter.Seq2[workflow.Event, error] {
	return func(yield func(workflow.Event, error) bool) {
		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
		if e.streamErr != nil {
			yield(workflow.Event{}, e.streamErr)
		}
	}
}

func newTestRelay(t *testing.T, eng workflow.Engine) (*Relay, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	return NewRelay(st, eng, NewRegistry(), time.Millisecond), st
}

func framesOfType[T any](frames []any) []T {
	var out []T
	for _, f := range frames {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestProcessMessageEmptyQuestion(t *testing.T) {
	relay, _ := newTestRelay(t, &scriptedEngine{})
	conn := &fakeConn{}

	sessionID := relay.ProcessMessage(context.Background(), conn, InboundFrame{
		Type:     "message",
		Question: "   ",
	}, "")

	if sessionID != "" {
		t.Errorf("sessionID = %q, want empty for rejected frame", sessionID)
	}
	frames := conn.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame, got %d: %v", len(frames), frames)
	}
	errFrame, ok := frames[0].(ErrorFrame)
	if !ok {
		t.Fatalf("frame = %T, want ErrorFrame", frames[0])
	}
	if errFrame.Error != "Question cannot be empty" {
		t.Errorf("error = %q", errFrame.Error)
	}
}

func TestProcessMessageFullTurn(t *testing.T) {
	narrative := "Revenue grew 12 percent last quarter."
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowStart},
		{Type: workflow.EventNodeComplete, Node: "entry_router", Data: map[string]any{}},
		{Type: workflow.EventNarrative, Content: narrative},
		{Type: workflow.EventSQLResult, SQLData: []map[string]any{{"region": "EMEA"}}},
		{Type: workflow.EventChart, Spec: map[string]any{"mark": "bar"}},
		{Type: workflow.EventFollowupQuestions, Questions: []string{"Break down by region?"}},
		{Type: workflow.EventWorkflowEnd, State: domain.State{
			"narrative_response": narrative,
			"question_type":      "analysis",
			"next_agent":         "narrative_agent",
		}},
	}}
	relay, st := newTestRelay(t, eng)
	conn := &fakeConn{}

	sessionID := relay.ProcessMessage(context.Background(), conn, InboundFrame{
		Type:      "message",
		SessionID: "sess-1",
		UserID:    "alice",
		Question:  "How did revenue do?",
	}, "")

	if sessionID != "sess-1" {
		t.Fatalf("sessionID = %q", sessionID)
	}
	frames := conn.Frames()

	statuses := framesOfType[StatusFrame](frames)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 status frames, got %d", len(statuses))
	}
	if statuses[0].Status != "processing" || statuses[0].Message != "Processing your question..." {
		t.Errorf("initial status = %+v", statuses[0])
	}
	if statuses[1].Status != "started" {
		t.Errorf("second status = %+v", statuses[1])
	}
	if statuses[2].Node != "entry_router" || statuses[2].Message != "Analyzing your question..." {
		t.Errorf("node status = %+v", statuses[2])
	}

	streams := framesOfType[StreamFrame](frames)
	if len(streams) < 2 {
		t.Fatalf("expected token stream, got %d frames", len(streams))
	}
	var rebuilt strings.Builder
	for _, s := range streams[:len(streams)-1] {
		if s.Done {
			t.Errorf("mid-stream frame marked done: %+v", s)
		}
		rebuilt.WriteString(s.Token)
	}
	if rebuilt.String() != narrative {
		t.Errorf("token concatenation = %q, want %q", rebuilt.String(), narrative)
	}
	final := streams[len(streams)-1]
	if !final.Done || final.Token != "" {
		t.Errorf("final stream frame = %+v", final)
	}

	if got := framesOfType[SQLDataFrame](frames); len(got) != 1 || got[0].DataType != "sql_result" {
		t.Errorf("sql data frames = %+v", got)
	}
	if got := framesOfType[ChartDataFrame](frames); len(got) != 1 || got[0].DataType != "chart" {
		t.Errorf("chart frames = %+v", got)
	}
	if got := framesOfType[QuestionsDataFrame](frames); len(got) != 1 || len(got[0].Questions) != 1 {
		t.Errorf("questions frames = %+v", got)
	}

	completes := framesOfType[CompleteFrame](frames)
	if len(completes) != 1 {
		t.Fatalf("expected 1 complete frame, got %d", len(completes))
	}
	done := completes[0]
	if done.Response != narrative || done.SessionID != "sess-1" || done.TurnNumber != 1 {
		t.Errorf("complete frame = %+v", done)
	}
	if done.Metadata["question_type"] != "analysis" || done.Metadata["next_agent"] != "narrative_agent" {
		t.Errorf("complete metadata = %v", done.Metadata)
	}
	// The complete frame is the last thing the client sees.
	if _, ok := frames[len(frames)-1].(CompleteFrame); !ok {
		t.Errorf("last frame = %T, want CompleteFrame", frames[len(frames)-1])
	}

	// Turn and session land durably.
	turn, err := st.GetLatestTurn(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetLatestTurn: %v", err)
	}
	if turn == nil || turn.TurnNumber != 1 || turn.AgentResponse != narrative {
		t.Fatalf("persisted turn = %+v", turn)
	}
	sess, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "How did revenue do?" {
		t.Errorf("session title = %q", sess.Title)
	}
	if sess.State.TurnNumber() != 1 {
		t.Errorf("session state turn_number = %d", sess.State.TurnNumber())
	}
}

func TestProcessMessageSecondTurnKeepsTitle(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowEnd, State: domain.State{"narrative_response": "ok"}},
	}}
	relay, st := newTestRelay(t, eng)
	ctx := context.Background()

	relay.ProcessMessage(ctx, &fakeConn{}, InboundFrame{SessionID: "sess-1", UserID: "alice", Question: "first question"}, "")
	relay.ProcessMessage(ctx, &fakeConn{}, InboundFrame{SessionID: "sess-1", UserID: "alice", Question: "second question"}, "")

	sess, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "first question" {
		t.Errorf("title = %q, want the first question", sess.Title)
	}
	if sess.State.TurnNumber() != 2 {
		t.Errorf("turn_number = %d, want 2", sess.State.TurnNumber())
	}
	turns, err := st.GetTurns(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(turns) != 2 || turns[1].TurnNumber != 2 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestProcessMessageClarification(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowStart},
		{Type: workflow.EventWorkflowEnd, State: domain.State{
			"domain_followup_question": "Which business area do you mean?",
		}},
	}}
	relay, st := newTestRelay(t, eng)
	conn := &fakeConn{}

	relay.ProcessMessage(context.Background(), conn, InboundFrame{
		SessionID: "sess-1", UserID: "alice", Question: "show me the numbers",
	}, "")

	frames := conn.Frames()
	clars := framesOfType[ClarificationFrame](frames)
	if len(clars) != 1 {
		t.Fatalf("expected 1 clarification frame, got %d", len(clars))
	}
	if clars[0].ClarificationType != "domain" || clars[0].Message != "Which business area do you mean?" {
		t.Errorf("clarification = %+v", clars[0])
	}
	// Clarification replaces the completion entirely.
	if got := framesOfType[CompleteFrame](frames); len(got) != 0 {
		t.Errorf("unexpected complete frame: %+v", got)
	}
	for _, s := range framesOfType[StreamFrame](frames) {
		if s.Done {
			t.Errorf("unexpected stream-done frame: %+v", s)
		}
	}

	// The turn is still recorded, with the clarification as the response.
	turn, err := st.GetLatestTurn(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetLatestTurn: %v", err)
	}
	if turn == nil || turn.AgentResponse != "Which business area do you mean?" {
		t.Errorf("persisted turn = %+v", turn)
	}
}

func TestProcessMessageGreeting(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowEnd, State: domain.State{
			"greeting_response": "Hello! Ask me about your data.",
		}},
	}}
	relay, _ := newTestRelay(t, eng)
	conn := &fakeConn{}

	relay.ProcessMessage(context.Background(), conn, InboundFrame{
		SessionID: "sess-1", Question: "hi",
	}, "")

	frames := conn.Frames()
	streams := framesOfType[StreamFrame](frames)
	var rebuilt strings.Builder
	for _, s := range streams {
		rebuilt.WriteString(s.Token)
	}
	if rebuilt.String() != "Hello! Ask me about your data." {
		t.Errorf("streamed greeting = %q", rebuilt.String())
	}
	completes := framesOfType[CompleteFrame](frames)
	if len(completes) != 1 || completes[0].Response != "Hello! Ask me about your data." {
		t.Errorf("complete frames = %+v", completes)
	}
}

func TestProcessMessageEngineError(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowStart},
		{Type: workflow.EventError, Err: "warehouse unreachable"},
	}}
	relay, st := newTestRelay(t, eng)
	conn := &fakeConn{}

	relay.ProcessMessage(context.Background(), conn, InboundFrame{
		SessionID: "sess-1", Question: "how many users?",
	}, "")

	frames := conn.Frames()
	errs := framesOfType[ErrorFrame](frames)
	if len(errs) != 1 || errs[0].Error != "warehouse unreachable" {
		t.Fatalf("error frames = %+v", errs)
	}
	if got := framesOfType[CompleteFrame](frames); len(got) != 0 {
		t.Errorf("unexpected complete frame after error: %+v", got)
	}

	// A failed turn is not recorded.
	turn, err := st.GetLatestTurn(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetLatestTurn: %v", err)
	}
	if turn != nil {
		t.Errorf("failed turn was persisted: %+v", turn)
	}
}

func TestProcessMessageStreamFailure(t *testing.T) {
	eng := &scriptedEngine{
		events:    []workflow.Event{{Type: workflow.EventWorkflowStart}},
		streamErr: errors.New("event stream broke mid-turn"),
	}
	relay, st := newTestRelay(t, eng)
	conn := &fakeConn{}

	relay.ProcessMessage(context.Background(), conn, InboundFrame{
		SessionID: "sess-1", Question: "how many users?",
	}, "")

	frames := conn.Frames()
	errs := framesOfType[ErrorFrame](frames)
	if len(errs) != 1 || errs[0].Error != "event stream broke mid-turn" {
		t.Fatalf("error frames = %+v", errs)
	}
	if got := framesOfType[CompleteFrame](frames); len(got) != 0 {
		t.Errorf("unexpected complete frame after stream failure: %+v", got)
	}
	for _, s := range framesOfType[StreamFrame](frames) {
		if s.Done {
			t.Errorf("unexpected stream-done frame: %+v", s)
		}
	}

	turn, err := st.GetLatestTurn(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetLatestTurn: %v", err)
	}
	if turn != nil {
		t.Errorf("failed turn was persisted: %+v", turn)
	}
}

func TestProcessMessageNilStore(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventNarrative, Content: "ephemeral answer"},
		{Type: workflow.EventWorkflowEnd, State: domain.State{"narrative_response": "ephemeral answer"}},
	}}
	relay := NewRelay(nil, eng, NewRegistry(), time.Millisecond)
	conn := &fakeConn{}

	sessionID := relay.ProcessMessage(context.Background(), conn, InboundFrame{
		Question: "anything",
	}, "")

	if sessionID == "" {
		t.Fatal("expected generated session id")
	}
	completes := framesOfType[CompleteFrame](conn.Frames())
	if len(completes) != 1 || completes[0].Response != "ephemeral answer" {
		t.Errorf("complete frames = %+v", completes)
	}
}

func TestProcessMessageBoundSessionWins(t *testing.T) {
	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowEnd, State: domain.State{"narrative_response": "ok"}},
	}}
	relay, _ := newTestRelay(t, eng)

	sessionID := relay.ProcessMessage(context.Background(), &fakeConn{}, InboundFrame{
		SessionID: "frame-session",
		Question:  "hello",
	}, "path-session")

	if sessionID != "path-session" {
		t.Errorf("sessionID = %q, want the path-bound session", sessionID)
	}
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"one two three", []string{"one ", "two ", "three"}},
		{"trailing space ", []string{"trailing ", "space "}},
		{"  leading", []string{"  ", "leading"}},
		{"a\nb\tc", []string{"a\n", "b\t", "c"}},
	}
	for _, tc := range cases {
		got := tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
		if strings.Join(got, "") != tc.in {
			t.Errorf("tokenize(%q) does not concatenate back to input", tc.in)
		}
	}
}
