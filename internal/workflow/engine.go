// Package workflow defines the analysis engine contract and the
// translation helpers the chat relay uses to turn engine events into
// client-facing messages.
package workflow

import (
	"context"
	"iter"

	"github.com/finsight-ai/finsight/internal/domain"
)

// Engine runs one analysis turn over the given state and streams
// events as the run progresses. The yielded error is non-nil only when
// the stream itself breaks; engine-level failures arrive as in-band
// EventError events. Implementations stop yielding when ctx is done.
type Engine interface {
	Run(ctx context.Context, state domain.State) iter.Seq2[Event, error]
}
