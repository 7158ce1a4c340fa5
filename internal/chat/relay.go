package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/finsight-ai/finsight/internal/domain"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/workflow"
)

// Turn lifecycle states.
type turnState stateless.State

var (
	stateValidating turnState = "Validating"
	stateLoading    turnState = "Loading"
	stateRunning    turnState = "Running"
	statePersisting turnState = "Persisting"
	stateDone       turnState = "Done"
	stateFailed     turnState = "Failed"
)

type turnTrigger stateless.Trigger

var (
	triggerReceived  turnTrigger = "Received"
	triggerValidated turnTrigger = "Validated"
	triggerLoaded    turnTrigger = "Loaded"
	triggerRan       turnTrigger = "Ran"
	triggerPersisted turnTrigger = "Persisted"
	triggerFault     turnTrigger = "Fault"
)

const defaultStreamDelay = 20 * time.Millisecond

// Relay drives one conversation turn per inbound message: validate,
// load session state, run the engine while translating its events into
// client frames, then persist the turn. Store may be nil, in which
// case sessions are ephemeral.
type Relay struct {
	store       store.Store
	engine      workflow.Engine
	registry    *Registry
	streamDelay time.Duration
}

func NewRelay(st store.Store, eng workflow.Engine, reg *Registry, streamDelay time.Duration) *Relay {
	if streamDelay <= 0 {
		streamDelay = defaultStreamDelay
	}
	return &Relay{
		store:       st,
		engine:      eng,
		registry:    reg,
		streamDelay: streamDelay,
	}
}

// turnContext carries one turn's working set across FSM states.
type turnContext struct {
	frame          InboundFrame
	boundSessionID string

	sessionID    string
	userID       string
	question     string
	state        domain.State
	finalState   domain.State
	turnNumber   int
	fullResponse string
	clarified    bool
}

// ProcessMessage handles one "message" frame and returns the session
// id the turn ran under, or "" when the frame was rejected before a
// session was resolved. Inbound frames for one connection are handled
// sequentially, so a turn finishes before the next message is read.
func (r *Relay) ProcessMessage(ctx context.Context, conn Conn, frame InboundFrame, boundSessionID string) string {
	tc := &turnContext{
		frame:          frame,
		boundSessionID: boundSessionID,
	}

	fsm := stateless.NewStateMachine(stateValidating)

	fsm.Configure(stateValidating).
		PermitReentry(triggerReceived).
		OnEntry(func(ctx context.Context, args ...any) error {
			tc.question = strings.TrimSpace(frame.Question)
			if tc.question == "" {
				r.writeTo(ctx, conn, newErrorFrame("Question cannot be empty"))
				return fsm.FireCtx(ctx, triggerFault)
			}
			return fsm.FireCtx(ctx, triggerValidated)
		}).
		Permit(triggerValidated, stateLoading).
		Permit(triggerFault, stateFailed)

	fsm.Configure(stateLoading).
		OnEntry(func(ctx context.Context, args ...any) error {
			r.loadTurnState(ctx, tc)
			r.registry.Register(tc.sessionID, conn)
			return fsm.FireCtx(ctx, triggerLoaded)
		}).
		Permit(triggerLoaded, stateRunning).
		Permit(triggerFault, stateFailed)

	fsm.Configure(stateRunning).
		OnEntry(func(ctx context.Context, args ...any) error {
			if err := r.runTurn(ctx, tc); err != nil {
				r.send(ctx, tc, newErrorFrame(err.Error()))
				return fsm.FireCtx(ctx, triggerFault)
			}
			return fsm.FireCtx(ctx, triggerRan)
		}).
		Permit(triggerRan, statePersisting).
		Permit(triggerFault, stateFailed)

	fsm.Configure(statePersisting).
		OnEntry(func(ctx context.Context, args ...any) error {
			r.persistTurn(ctx, tc)
			return fsm.FireCtx(ctx, triggerPersisted)
		}).
		Permit(triggerPersisted, stateDone).
		Permit(triggerFault, stateFailed)

	if err := fsm.FireCtx(ctx, triggerReceived); err != nil {
		slog.Warn("Turn state machine error", "session_id", tc.sessionID, "error", err)
	}

	return tc.sessionID
}

// loadTurnState resolves the session and user, loads any persisted
// state, and stamps the new question into it.
func (r *Relay) loadTurnState(ctx context.Context, tc *turnContext) {
	tc.sessionID = tc.boundSessionID
	if tc.sessionID == "" {
		tc.sessionID = tc.frame.SessionID
	}
	if tc.sessionID == "" {
		tc.sessionID = uuid.NewString()
	}

	tc.state = domain.State{}
	if r.store != nil {
		sess, err := r.store.GetSession(ctx, tc.sessionID)
		if err != nil {
			slog.Warn("Could not load session state", "session_id", tc.sessionID, "error", err)
		} else if sess != nil {
			tc.state = sess.State
		}
	}

	tc.userID = tc.frame.UserID
	if tc.userID == "" {
		tc.userID = tc.state.String(domain.KeyUserID)
	}
	if tc.userID == "" {
		tc.userID = "anonymous"
	}

	tc.turnNumber = tc.state.TurnNumber() + 1
	tc.state.BeginTurn(tc.question, tc.sessionID, tc.userID, tc.frame.UserEmail)
	tc.finalState = tc.state.Clone()
}

// runTurn drives the engine and relays its events as frames. A non-nil
// return means the engine reported a failure; the turn ends with an
// error frame and nothing is persisted.
func (r *Relay) runTurn(ctx context.Context, tc *turnContext) error {
	r.send(ctx, tc, newStatusFrame("processing", "Processing your question...", ""))

	for ev, err := range r.engine.Run(ctx, tc.state) {
		if err != nil {
			return err
		}

		switch ev.Type {
		case workflow.EventWorkflowStart:
			r.send(ctx, tc, newStatusFrame("started", "Workflow started...", ""))

		case workflow.EventNodeComplete:
			r.send(ctx, tc, newStatusFrame("processing", workflow.StatusMessage(ev.Node, ev.Data), ev.Node))

		case workflow.EventNarrative:
			if ev.Content != "" {
				tc.fullResponse = ev.Content
				r.streamTokens(ctx, tc, ev.Content)
			}

		case workflow.EventSQLResult:
			r.send(ctx, tc, newSQLDataFrame(ev.SQLData))

		case workflow.EventChart:
			r.send(ctx, tc, newChartDataFrame(ev.Spec))

		case workflow.EventFollowupQuestions:
			r.send(ctx, tc, newQuestionsDataFrame(ev.Questions))

		case workflow.EventWorkflowEnd:
			tc.finalState = ev.State
			greeting, clar := workflow.FinalResponse(ev.State)
			switch {
			case greeting != "":
				tc.fullResponse = greeting
				r.streamTokens(ctx, tc, greeting)
			case clar != nil:
				tc.fullResponse = clar.Message
				tc.clarified = true
				r.send(ctx, tc, newClarificationFrame(clar.Type, clar.Message))
			}

		case workflow.EventError:
			return &engineError{msg: ev.Err}
		}
	}

	// A clarification stands in for the completion; the client's next
	// message continues the same turn sequence.
	if !tc.clarified {
		r.send(ctx, tc, newStreamFrame("", true))
		r.send(ctx, tc, CompleteFrame{
			Type:       "complete",
			Response:   tc.fullResponse,
			SessionID:  tc.sessionID,
			TurnNumber: tc.turnNumber,
			Metadata: map[string]any{
				"timestamp":     time.Now().UTC().Format(time.RFC3339),
				"question_type": tc.finalState[domain.KeyQuestionType],
				"next_agent":    tc.finalState[domain.KeyNextAgent],
			},
		})
	}
	return nil
}

// persistTurn writes the turn and session durably. Storage failures
// are logged and swallowed; the client already has its frames.
func (r *Relay) persistTurn(ctx context.Context, tc *turnContext) {
	if r.store == nil {
		return
	}

	turn := &domain.Turn{
		SessionID:     tc.sessionID,
		TurnNumber:    tc.turnNumber,
		UserQuestion:  tc.question,
		AgentResponse: tc.fullResponse,
		StateSnapshot: tc.finalState,
		Metadata:      map[string]any{"workflow": true},
	}
	if err := r.store.SaveTurn(ctx, turn); err != nil {
		slog.Warn("Could not save turn", "session_id", tc.sessionID, "turn", tc.turnNumber, "error", err)
	}

	sessionState := tc.finalState.Clone()
	sessionState[domain.KeyTurnNumber] = tc.turnNumber

	title := ""
	if tc.turnNumber == 1 {
		title = domain.TitleFromQuestion(tc.question)
	}
	if err := r.store.SaveSession(ctx, tc.sessionID, tc.userID, sessionState, title); err != nil {
		slog.Warn("Could not save session", "session_id", tc.sessionID, "error", err)
	}
}

// streamTokens emits content one token at a time with a small pacing
// delay. Token texts concatenate back to content exactly.
func (r *Relay) streamTokens(ctx context.Context, tc *turnContext, content string) {
	for _, token := range tokenize(content) {
		r.send(ctx, tc, newStreamFrame(token, false))
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.streamDelay):
		}
	}
}

// send routes a frame through the registry so it reaches whichever
// connection currently owns the session.
func (r *Relay) send(ctx context.Context, tc *turnContext, v any) {
	if err := r.registry.Send(ctx, tc.sessionID, v); err != nil {
		slog.Debug("Frame write failed", "session_id", tc.sessionID, "error", err)
	}
}

// writeTo writes directly to a connection, used before a session is
// resolved and registered.
func (r *Relay) writeTo(ctx context.Context, conn Conn, v any) {
	if err := conn.WriteFrame(ctx, v); err != nil {
		slog.Debug("Frame write failed", "error", err)
	}
}

type engineError struct {
	msg string
}

func (e *engineError) Error() string {
	if e.msg == "" {
		return "Unknown error"
	}
	return e.msg
}

// tokenize splits content into streamable tokens. Each token is a
// maximal run of non-space bytes plus the whitespace run that follows
// it, so for normally spaced text every token is a word with one
// trailing space and the concatenation of all tokens equals content.
func tokenize(content string) []string {
	if content == "" {
		return nil
	}
	var tokens []string
	start := 0
	i := 0
	for i < len(content) {
		for i < len(content) && !isSpace(content[i]) {
			i++
		}
		for i < len(content) && isSpace(content[i]) {
			i++
		}
		tokens = append(tokens, content[start:i])
		start = i
	}
	return tokens
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
