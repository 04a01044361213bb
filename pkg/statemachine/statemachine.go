package statemachine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing   State = "initializing"
	StateReady          State = "ready"
	StateProcessing     State = "processing"
	StateWaitingForTool State = "waiting_for_tool"
	StateError          State = "error"
	StateClosed         State = "closed"
)

// Context carries caller-supplied data into guards and actions.
type Context map[string]interface{}

// Guard decides whether a transition may fire for the given context.
type Guard func(Context) bool

// Action runs as part of a transition. A non-nil error rejects the
// transition and leaves the machine in its prior state.
type Action func(Context) error

// Transition is one edge of the lifecycle table.
type Transition struct {
	From        State
	To          State
	Guard       Guard
	Action      Action
	Description string
}

// HistoryEntry records one applied state change.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Machine tracks a single session's lifecycle. All mutations go through
// the transition table; there are no outgoing edges from StateClosed.
type Machine struct {
	mu          sync.Mutex
	current     State
	transitions []Transition
	history     []HistoryEntry
	data        Context
	logger      zerolog.Logger
}

// New creates a machine in StateInitializing with the default table.
func New(logger zerolog.Logger) *Machine {
	m := &Machine{
		current: StateInitializing,
		data:    make(Context),
		logger:  logger,
	}
	m.setupDefaultTransitions()
	return m
}

func (m *Machine) setupDefaultTransitions() {
	m.transitions = []Transition{
		{From: StateInitializing, To: StateReady, Description: "session initialization completed"},
		{From: StateReady, To: StateProcessing, Description: "message processing started"},
		{From: StateProcessing, To: StateWaitingForTool, Description: "tool execution started"},
		{From: StateWaitingForTool, To: StateProcessing, Description: "tool execution completed"},
		{From: StateProcessing, To: StateReady, Description: "message processing completed"},
		{From: StateProcessing, To: StateError, Description: "error occurred during processing"},
		{From: StateError, To: StateReady, Description: "error recovered, returning to ready state"},
		{From: StateReady, To: StateClosed, Description: "session closed"},
	}
}

// AddTransition appends a custom edge to the table.
func (m *Machine) AddTransition(t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the machine is in the given state.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// CanTransition reports whether a transition to target is allowed from
// the current state under ctx.
func (m *Machine) CanTransition(target State, ctx Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.findTransition(target, ctx)
	return ok
}

// findTransition locates the first matching edge whose guard passes.
// Callers must hold m.mu.
func (m *Machine) findTransition(target State, ctx Context) (Transition, bool) {
	if ctx == nil {
		ctx = Context{}
	}
	for _, t := range m.transitions {
		if t.From != m.current || t.To != target {
			continue
		}
		if t.Guard != nil && !t.Guard(ctx) {
			return Transition{}, false
		}
		return t, true
	}
	return Transition{}, false
}

// Transition attempts to move the machine to target. It returns false
// and leaves the state unchanged when no table edge matches, the guard
// rejects, or the edge's action fails.
func (m *Machine) Transition(target State, ctx Context, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.findTransition(target, ctx)
	if !ok {
		m.logger.Warn().
			Str("from", string(m.current)).
			Str("to", string(target)).
			Msg("Transition rejected")
		return false
	}

	if t.Action != nil {
		if err := t.Action(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("from", string(m.current)).
				Str("to", string(target)).
				Msg("Transition action failed")
			return false
		}
	}

	old := m.current
	m.current = target
	if reason == "" {
		reason = t.Description
	}
	m.history = append(m.history, HistoryEntry{
		State:     old,
		Timestamp: time.Now(),
		Reason:    reason,
	})

	m.logger.Debug().
		Str("from", string(old)).
		Str("to", string(target)).
		Str("reason", reason).
		Msg("State transition")
	return true
}

// History returns a copy of the applied transitions, oldest first. The
// log is diagnostic only and is never consulted for control decisions.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Reset unconditionally forces the machine into StateInitializing or
// StateReady for error recovery. Side data is cleared, the history log
// is preserved. Any other target is refused.
func (m *Machine) Reset(target State, reason string) bool {
	if target != StateInitializing && target != StateReady {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = target
	m.history = append(m.history, HistoryEntry{
		State:     target,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	m.data = make(Context)

	m.logger.Info().
		Str("state", string(target)).
		Str("reason", reason).
		Msg("State reset")
	return true
}

// SetData stores side data on the machine.
func (m *Machine) SetData(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// GetData retrieves side data previously stored with SetData.
func (m *Machine) GetData(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}
