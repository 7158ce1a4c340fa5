package workflow

import (
	"context"
	"fmt"
	"iter"

	"github.com/finsight-ai/finsight/internal/domain"
)

// EchoEngine is a stand-in engine for running the server without a
// real analysis backend. It acknowledges the question in a short
// narrative and ends with the state it was given, so the full frame
// protocol can be exercised end to end.
type EchoEngine struct{}

func NewEchoEngine() *EchoEngine {
	return &EchoEngine{}
}

func (e *EchoEngine) Run(ctx context.Context, state domain.State) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		question := state.String(domain.KeyCurrentQuestion)

		if !yield(Event{Type: EventWorkflowStart}, nil) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !yield(Event{
			Type: EventNodeComplete,
			Node: "entry_router",
			Data: map[string]any{},
		}, nil) {
			return
		}

		content := fmt.Sprintf(
			"I received your question: '%s'. This is a placeholder response for testing. Configure warehouse credentials to enable the full analysis workflow.",
			question,
		)
		if !yield(Event{Type: EventNarrative, Content: content}, nil) {
			return
		}

		final := state.Clone()
		final["narrative_response"] = content
		yield(Event{Type: EventWorkflowEnd, State: SanitizeState(final)}, nil)
	}
}
