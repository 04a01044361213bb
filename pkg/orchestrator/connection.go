package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenlabs/lumen/internal/observability"
	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/runner"
	"github.com/lumenlabs/lumen/pkg/statemachine"
	"github.com/lumenlabs/lumen/pkg/tooltracker"
)

// Connection owns the state of one transport connection: its sessions,
// runners, message history, state machines, tool tracker and billing
// engine. The transport's read loop is the only caller of its turn-driving
// methods, so turns on one connection never run concurrently.
type Connection struct {
	id       string
	userID   string
	manager  *Manager
	outbound Outbound
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	machines *statemachine.Registry
	tracker  *tooltracker.Tracker
	billing  *billing.Engine

	mu               sync.Mutex
	sessions         map[string]*Session
	runners          map[string]runner.Runner
	history          map[string][]HistoryMessage
	currentSessionID string
	accessKey        string // set by authenticate
	cookieKey        string // set at connect time from the transport cookie
	clientName       string
	authenticated    bool
	closed           bool
}

func newConnection(ctx context.Context, m *Manager, connectionID, cookieKey string, engine *billing.Engine, out Outbound) *Connection {
	userID := "user_" + uuid.NewString()[:8]
	logger := m.logger.With().Str("connection_id", connectionID).Logger()
	connCtx, cancel := context.WithCancel(ctx)

	return &Connection{
		id:        connectionID,
		userID:    userID,
		manager:   m,
		outbound:  out,
		logger:    logger,
		ctx:       connCtx,
		cancel:    cancel,
		machines:  statemachine.NewRegistry(logger),
		tracker:   tooltracker.New(logger, m.cfg.TrackerMaxAge),
		billing:   engine,
		cookieKey: cookieKey,
		sessions:  make(map[string]*Session),
		runners:   make(map[string]runner.Runner),
		history:   make(map[string][]HistoryMessage),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// Context returns the connection's lifetime context. It is canceled on
// close, which aborts any in-flight turn before it reaches billing.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// UserID returns the per-connection user id.
func (c *Connection) UserID() string {
	return c.userID
}

// Authenticate attaches a user credential to the connection. An empty
// access key is rejected.
func (c *Connection) Authenticate(accessKey, clientName string) bool {
	if accessKey == "" {
		c.logger.Warn().Msg("authentication rejected, missing access key")
		return false
	}

	c.mu.Lock()
	c.accessKey = accessKey
	c.clientName = clientName
	if c.clientName == "" {
		c.clientName = "WebClient"
	}
	c.authenticated = true
	c.mu.Unlock()

	c.logger.Info().Str("user_id", c.userID).Msg("connection authenticated")
	return true
}

// Authenticated reports whether a credential has been attached.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// credential snapshots the billing credential chain.
func (c *Connection) credential() billing.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return billing.Credential{
		ConnectionKey: c.accessKey,
		CookieKey:     c.cookieKey,
	}
}

// CreateSession registers a new session immediately so it shows up in
// listings, then initializes its runner in the background. If
// initialization fails the session is rolled back and its state machine
// forced to the error state; the connection itself stays up.
func (c *Connection) CreateSession(ctx context.Context) *Session {
	sessionID := uuid.NewString()
	session := NewSession(sessionID)

	c.mu.Lock()
	c.sessions[sessionID] = session
	c.mu.Unlock()

	machine := c.machines.Create(sessionID)
	machine.AddTransition(statemachine.Transition{
		From:        statemachine.StateInitializing,
		To:          statemachine.StateError,
		Description: "session initialization failed",
	})

	observability.SetActiveSessions(c.manager.sessionTotal())
	c.logger.Info().Str("session_id", sessionID).Str("user_id", c.userID).Msg("session created")

	go c.initRunner(ctx, sessionID)

	return session
}

// initRunner performs the slow half of two-phase session creation.
func (c *Connection) initRunner(ctx context.Context, sessionID string) {
	run, err := c.manager.factory.NewRunner(ctx, sessionID, c.userID)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("runner initialization failed, rolling back session")
		observability.RecordRunnerInitFailure()

		c.mu.Lock()
		delete(c.sessions, sessionID)
		delete(c.runners, sessionID)
		delete(c.history, sessionID)
		c.mu.Unlock()

		if machine := c.machines.Get(sessionID); machine != nil {
			machine.Transition(statemachine.StateError, nil, "Runner initialization failed: "+err.Error())
		}
		observability.SetActiveSessions(c.manager.sessionTotal())
		return
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.runners[sessionID] = run
	}
	c.mu.Unlock()

	if closed {
		run.Close()
		return
	}

	if machine := c.machines.Get(sessionID); machine != nil {
		machine.Transition(statemachine.StateReady, nil, "Runner initialized")
	}
	c.logger.Info().Str("session_id", sessionID).Msg("runner initialized")
}

// SwitchSession makes an existing session current.
func (c *Connection) SwitchSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[sessionID]; !ok {
		return false
	}
	c.currentSessionID = sessionID
	return true
}

// CurrentSessionID returns the current session id, or empty.
func (c *Connection) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSessionID
}

// Session returns a session by id, or nil.
func (c *Connection) Session(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Sessions lists the connection's sessions ordered by creation time.
func (c *Connection) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteSession removes a session. Deleting the current session falls back
// to the oldest remaining session, or creates a fresh one when none remain.
func (c *Connection) DeleteSession(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	_, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	delete(c.sessions, sessionID)
	run := c.runners[sessionID]
	delete(c.runners, sessionID)
	delete(c.history, sessionID)
	wasCurrent := c.currentSessionID == sessionID
	if wasCurrent {
		c.currentSessionID = ""
	}
	c.mu.Unlock()

	if run != nil {
		run.Close()
	}
	if machine := c.machines.Get(sessionID); machine != nil {
		machine.Transition(statemachine.StateClosed, nil, "Session deleted")
	}
	c.machines.Remove(sessionID)

	if wasCurrent {
		remaining := c.Sessions()
		if len(remaining) > 0 {
			c.SwitchSession(remaining[0].ID)
		} else {
			session := c.CreateSession(ctx)
			c.SwitchSession(session.ID)
		}
	}

	observability.SetActiveSessions(c.manager.sessionTotal())
	c.logger.Info().Str("session_id", sessionID).Str("user_id", c.userID).Msg("session deleted")
	return true
}

// History returns a copy of a session's message history.
func (c *Connection) History(sessionID string) []HistoryMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.history[sessionID]
	out := make([]HistoryMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Tracker returns the connection's tool tracker.
func (c *Connection) Tracker() *tooltracker.Tracker {
	return c.tracker
}

// Closed reports whether the connection has been shut down.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the transport and marks the connection dead. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.outbound.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("outbound close")
	}
	c.logger.Info().Str("user_id", c.userID).Msg("connection closed")
}

// teardown releases everything the connection owns.
func (c *Connection) teardown() {
	c.Close()

	c.mu.Lock()
	runners := make([]runner.Runner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.runners = make(map[string]runner.Runner)
	c.sessions = make(map[string]*Session)
	c.history = make(map[string][]HistoryMessage)
	c.mu.Unlock()

	for _, r := range runners {
		r.Close()
	}
	observability.SetActiveSessions(c.manager.sessionTotal())
}

func (c *Connection) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// send delivers one payload. A delivery failure means the transport is
// dead, so the connection context is canceled to abort the in-flight turn.
func (c *Connection) send(ctx context.Context, payload interface{}) {
	if err := c.outbound.Send(ctx, payload); err != nil {
		c.logger.Error().Err(err).Msg("failed to deliver payload")
		if c.cancel != nil {
			c.cancel()
		}
	}
}

func (c *Connection) appendHistory(sessionID string, msg HistoryMessage) {
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now()
	msg.SessionID = sessionID

	c.mu.Lock()
	c.history[sessionID] = append(c.history[sessionID], msg)
	if s := c.sessions[sessionID]; s != nil {
		s.MessageCount = len(c.history[sessionID])
		s.LastMessageAt = msg.Timestamp
	}
	c.mu.Unlock()
}
