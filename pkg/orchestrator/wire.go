package orchestrator

import (
	"context"
	"time"

	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/runner"
)

// Outbound delivers orchestrator payloads to the transport. Send failures
// are the transport's problem; the orchestrator logs and moves on. Close
// tears the connection down and must be safe to call more than once.
type Outbound interface {
	Send(ctx context.Context, payload interface{}) error
	Close() error
}

// AssistantPayload carries one turn's final answer.
type AssistantPayload struct {
	Type          string           `json:"type"` // always "assistant"
	Content       string           `json:"content"`
	SessionID     string           `json:"session_id"`
	UsageMetadata *runner.Usage    `json:"usage_metadata,omitempty"`
	ChargeResult  *billing.Outcome `json:"charge_result,omitempty"`
}

// CompletePayload is the terminal marker after a turn's messages.
type CompletePayload struct {
	Type    string `json:"type"` // always "complete"
	Content string `json:"content"`
}

// ToolPayload reports a tool call's status change.
type ToolPayload struct {
	Type          string                 `json:"type"` // always "tool"
	ToolName      string                 `json:"tool_name"`
	ToolID        string                 `json:"tool_id"`
	Status        string                 `json:"status"` // "executing" or "completed"
	IsLongRunning bool                   `json:"is_long_running,omitempty"`
	Args          map[string]interface{} `json:"args,omitempty"`
	Result        string                 `json:"result,omitempty"`
	Timestamp     string                 `json:"timestamp"`
	SessionID     string                 `json:"session_id"`
}

// ErrorPayload reports a failure the client should display.
type ErrorPayload struct {
	Type    string `json:"type"` // always "error"
	Content string `json:"content"`
}

func assistantPayload(sessionID, content string, usage *runner.Usage, charge *billing.Outcome) AssistantPayload {
	return AssistantPayload{
		Type:          "assistant",
		Content:       content,
		SessionID:     sessionID,
		UsageMetadata: usage,
		ChargeResult:  charge,
	}
}

func completePayload() CompletePayload {
	return CompletePayload{Type: "complete"}
}

func errorPayload(content string) ErrorPayload {
	return ErrorPayload{Type: "error", Content: content}
}

func toolExecutingPayload(sessionID string, tc *runner.ToolCall) ToolPayload {
	return ToolPayload{
		Type:          "tool",
		ToolName:      tc.Name,
		ToolID:        tc.ID,
		Status:        "executing",
		IsLongRunning: tc.LongRunning,
		Args:          tc.Args,
		Timestamp:     time.Now().Format(time.RFC3339),
		SessionID:     sessionID,
	}
}

func toolSettledPayload(sessionID string, tc *runner.ToolCall) ToolPayload {
	result := tc.Result
	if tc.Error != "" {
		result = tc.Error
	}
	return ToolPayload{
		Type:      "tool",
		ToolName:  tc.Name,
		ToolID:    tc.ID,
		Status:    "completed",
		Result:    result,
		Timestamp: time.Now().Format(time.RFC3339),
		SessionID: sessionID,
	}
}
