package chat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/finsight-ai/finsight/internal/domain"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/workflow"
)

func newChatServer(t *testing.T, st store.Store, eng workflow.Engine) *httptest.Server {
	t.Helper()

	registry := NewRegistry()
	relay := NewRelay(st, eng, registry, time.Millisecond)
	handler := NewWebSocketHandler(relay, registry, st, "*", false)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialChat(ctx context.Context, t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = c.Close(websocket.StatusNormalClosure, "test done")
	})
	return c
}

func writeRaw(ctx context.Context, t *testing.T, c *websocket.Conn, data string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readFrame(ctx context.Context, t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_, raw, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return frame
}

func TestServeChatPingPong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newChatServer(t, nil, &scriptedEngine{})
	c := dialChat(ctx, t, srv, "/ws/chat")

	writeRaw(ctx, t, c, `{"type":"ping"}`)
	frame := readFrame(ctx, t, c)
	if frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestServeChatResumeReplaysHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := st.SaveSession(ctx, "sess-1", "alice", domain.State{"turn_number": 2}, "first question"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	for i, qa := range [][2]string{{"first question", "first answer"}, {"second question", "second answer"}} {
		err := st.SaveTurn(ctx, &domain.Turn{
			SessionID:     "sess-1",
			TurnNumber:    i + 1,
			UserQuestion:  qa[0],
			AgentResponse: qa[1],
			StateSnapshot: domain.State{},
		})
		if err != nil {
			t.Fatalf("SaveTurn %d: %v", i+1, err)
		}
	}

	srv := newChatServer(t, st, &scriptedEngine{})
	c := dialChat(ctx, t, srv, "/ws/chat/sess-1")

	// History arrives first, before any inbound frame is handled.
	frame := readFrame(ctx, t, c)
	if frame["type"] != "history" || frame["session_id"] != "sess-1" {
		t.Fatalf("first frame = %v, want history for sess-1", frame)
	}
	turns, ok := frame["turns"].([]any)
	if !ok || len(turns) != 2 {
		t.Fatalf("history turns = %v, want 2 entries", frame["turns"])
	}
	first, ok := turns[0].(map[string]any)
	if !ok || first["turn_number"] != float64(1) || first["question"] != "first question" || first["response"] != "first answer" {
		t.Errorf("first history turn = %v", turns[0])
	}

	writeRaw(ctx, t, c, `{"type":"ping"}`)
	if frame := readFrame(ctx, t, c); frame["type"] != "pong" {
		t.Errorf("frame after history = %v, want pong", frame)
	}
}

func TestServeChatResumeWithoutStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newChatServer(t, nil, &scriptedEngine{})
	c := dialChat(ctx, t, srv, "/ws/chat/sess-1")

	// No history frame without a store; the session is still usable.
	writeRaw(ctx, t, c, `{"type":"ping"}`)
	if frame := readFrame(ctx, t, c); frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestServeChatMalformedFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newChatServer(t, nil, &scriptedEngine{})
	c := dialChat(ctx, t, srv, "/ws/chat")

	writeRaw(ctx, t, c, `{not json`)
	frame := readFrame(ctx, t, c)
	if frame["type"] != "error" || frame["error"] != "Invalid message format" {
		t.Fatalf("frame = %v, want parse error", frame)
	}

	// The connection survives a malformed frame.
	writeRaw(ctx, t, c, `{"type":"ping"}`)
	if frame := readFrame(ctx, t, c); frame["type"] != "pong" {
		t.Errorf("frame after parse error = %v, want pong", frame)
	}
}

func TestServeChatMessageFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &scriptedEngine{events: []workflow.Event{
		{Type: workflow.EventWorkflowStart},
		{Type: workflow.EventNarrative, Content: "forty two"},
		{Type: workflow.EventWorkflowEnd, State: domain.State{"narrative_response": "forty two"}},
	}}
	srv := newChatServer(t, nil, eng)
	c := dialChat(ctx, t, srv, "/ws/chat")

	writeRaw(ctx, t, c, `{"type":"message","session_id":"sess-9","user_id":"alice","question":"how many users?"}`)

	var types []string
	var complete map[string]any
	for {
		frame := readFrame(ctx, t, c)
		types = append(types, frame["type"].(string))
		if frame["type"] == "complete" {
			complete = frame
			break
		}
	}

	if types[0] != "status" {
		t.Errorf("first frame type = %q, want status", types[0])
	}
	if complete["session_id"] != "sess-9" || complete["turn_number"] != float64(1) || complete["response"] != "forty two" {
		t.Errorf("complete frame = %v", complete)
	}
}
