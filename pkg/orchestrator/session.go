package orchestrator

import (
	"time"
)

// DefaultTitle is the placeholder title a session carries until the first
// user message arrives.
const DefaultTitle = "New Conversation"

// titleLimit caps how much of the first message becomes the title.
const titleLimit = 30

// Session is one conversation visible to the client. It is registered
// before its backing runner is ready; readiness is tracked by the session's
// state machine, not by the session itself.
type Session struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	MessageCount  int       `json:"message_count"`
}

// NewSession creates a session with the placeholder title.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		Title:     DefaultTitle,
		CreatedAt: time.Now(),
	}
}

// UpdateTitle derives the title from the first user message. Later
// messages never rename the session.
func (s *Session) UpdateTitle(content string) {
	if s.Title != DefaultTitle || content == "" {
		return
	}
	runes := []rune(content)
	if len(runes) > titleLimit {
		s.Title = string(runes[:titleLimit]) + "..."
		return
	}
	s.Title = content
}

// HistoryMessage is one entry in a session's replayable message history.
// Role is "user", "assistant" or "tool"; the tool fields are only set for
// tool entries.
type HistoryMessage struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	ToolName      string    `json:"tool_name,omitempty"`
	ToolID        string    `json:"tool_id,omitempty"`
	ToolStatus    string    `json:"tool_status,omitempty"`
	Result        string    `json:"result,omitempty"`
	IsLongRunning bool      `json:"is_long_running,omitempty"`
}
