package generation

import (
	"context"
	"fmt"
)

// State is where a session is in the generation cycle
type State int

const (
	Idle State = iota
	Sending
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is how a generation ended
type Outcome int

const (
	Completed Outcome = iota + 1
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Generation is one in-flight assistant reply
type Generation struct {
	SessionID          string
	UserMessageID      string // empty when regenerating
	AssistantMessageID string
	ModelID            string

	done    chan struct{}
	outcome Outcome
	content string
	err     error
}

func newGeneration(sessionID, modelID string) *Generation {
	return &Generation{
		SessionID: sessionID,
		ModelID:   modelID,
		done:      make(chan struct{}),
	}
}

// Done is closed once the generation reached a terminal state
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the generation ends. A Failed outcome comes with an
// error wrapping session.ErrGenerationFailed.
func (g *Generation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-g.done:
		return g.outcome, g.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Content is the final assistant content. It is only meaningful after Done.
func (g *Generation) Content() string {
	select {
	case <-g.done:
		return g.content
	default:
		return ""
	}
}

func (g *Generation) finish(outcome Outcome, content string, err error) {
	g.outcome = outcome
	g.content = content
	g.err = err
	close(g.done)
}
