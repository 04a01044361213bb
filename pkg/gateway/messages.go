package gateway

import (
	"github.com/lumenlabs/lumen/pkg/orchestrator"
)

// Inbound verbs accepted over the websocket.
const (
	TypeMessage       = "message"
	TypeCreateSession = "create_session"
	TypeSwitchSession = "switch_session"
	TypeGetSessions   = "get_sessions"
	TypeDeleteSession = "delete_session"
	TypeAuthenticate  = "authenticate"
)

// InboundMessage is the envelope for every client-to-server frame.
type InboundMessage struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	AppAccessKey string `json:"appAccessKey,omitempty"`
	ClientName   string `json:"clientName,omitempty"`
}

// SessionsListMessage carries the connection's session list.
type SessionsListMessage struct {
	Type             string                 `json:"type"` // always "sessions_list"
	Sessions         []orchestrator.Session `json:"sessions"`
	CurrentSessionID string                 `json:"current_session_id"`
}

// SessionMessagesMessage replays one session's history.
type SessionMessagesMessage struct {
	Type      string                        `json:"type"` // always "session_messages"
	SessionID string                        `json:"session_id"`
	Messages  []orchestrator.HistoryMessage `json:"messages"`
}

// AuthResultMessage reports the outcome of an authenticate verb.
type AuthResultMessage struct {
	Type    string `json:"type"` // "auth_success" or "auth_error"
	Content string `json:"content"`
}

func sessionsListMessage(conn *orchestrator.Connection) SessionsListMessage {
	return SessionsListMessage{
		Type:             "sessions_list",
		Sessions:         conn.Sessions(),
		CurrentSessionID: conn.CurrentSessionID(),
	}
}

func sessionMessagesMessage(conn *orchestrator.Connection, sessionID string) SessionMessagesMessage {
	return SessionMessagesMessage{
		Type:      "session_messages",
		SessionID: sessionID,
		Messages:  conn.History(sessionID),
	}
}
