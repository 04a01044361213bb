package runner

import (
	"context"
)

// ToolHandler executes one tool invocation and returns its result.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool describes a tool exposed to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     ToolHandler
	LongRunning bool
}

// Runner drives one conversation with a model. Run consumes one user
// message and returns a stream of tagged events; the channel is closed when
// the turn is over. The stream terminates on its own; a Run call never
// leaves the channel open indefinitely.
type Runner interface {
	Run(ctx context.Context, text string) (<-chan Event, error)
	Close() error
}

// Factory builds runners. Construction may be slow (network setup, model
// warm-up) and is always done off the caller's critical path.
type Factory interface {
	NewRunner(ctx context.Context, sessionID, userID string) (Runner, error)
}

// maxToolRounds bounds the call-tool-then-continue loop within one turn so
// a model that keeps requesting tools cannot spin forever.
const maxToolRounds = 8
