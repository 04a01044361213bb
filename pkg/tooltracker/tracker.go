// Package tooltracker correlates asynchronous tool-invocation events
// emitted by an agent runner during a turn. Records are keyed by a
// correlation id; when the event stream carries no id the tool name is
// used instead, which deliberately collapses repeated calls to an
// unnamed tool into one record.
package tooltracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle status of one tool invocation.
type Status string

const (
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultMaxAge is how long terminal records are retained before the
// janitor may collect them.
const DefaultMaxAge = time.Hour

// Record describes one tracked tool invocation.
type Record struct {
	CorrelationID string    `json:"correlation_id"`
	Name          string    `json:"name"`
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`
	SettledAt     time.Time `json:"settled_at,omitempty"`
	Status        Status    `json:"status"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	LongRunning   bool      `json:"is_long_running,omitempty"`
}

// Terminal reports whether the record has settled.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Tracker de-duplicates and correlates tool-call events. It is safe for
// concurrent use, though a single connection drives it from one turn at
// a time.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	maxAge  time.Duration
	logger  zerolog.Logger
}

// New creates a tracker. A non-positive maxAge falls back to
// DefaultMaxAge.
func New(logger zerolog.Logger, maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{
		records: make(map[string]*Record),
		maxAge:  maxAge,
		logger:  logger,
	}
}

// correlationKey falls back to the tool name when the stream supplied
// no explicit id.
func correlationKey(correlationID, name string) string {
	if correlationID != "" {
		return correlationID
	}
	return name
}

// ToolStarted records the first sighting of a tool call. A repeated
// start for an id that is still executing is a no-op; a start that
// reuses the id of a settled record opens a fresh record, overwriting
// the old result.
func (t *Tracker) ToolStarted(sessionID, correlationID, name string, longRunning bool) {
	key := correlationKey(correlationID, name)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.records[key]; ok && !existing.Terminal() {
		t.logger.Debug().
			Str("correlation_id", key).
			Str("tool", name).
			Msg("Duplicate tool start ignored")
		return
	}

	t.records[key] = &Record{
		CorrelationID: key,
		Name:          name,
		SessionID:     sessionID,
		StartedAt:     time.Now(),
		Status:        StatusExecuting,
		LongRunning:   longRunning,
	}

	t.logger.Info().
		Str("correlation_id", key).
		Str("tool", name).
		Str("session_id", sessionID).
		Msg("Tool call started")
}

// ToolCompleted finalizes a record with its result. A completion for an
// id that was never started is dropped with a warning; it cannot settle
// what does not exist, and the condition is non-fatal.
func (t *Tracker) ToolCompleted(sessionID, correlationID, name, result string) {
	t.settle(sessionID, correlationID, name, StatusCompleted, result, "")
}

// ToolFailed finalizes a record with its error.
func (t *Tracker) ToolFailed(sessionID, correlationID, name, errMsg string) {
	t.settle(sessionID, correlationID, name, StatusFailed, "", errMsg)
}

func (t *Tracker) settle(sessionID, correlationID, name string, status Status, result, errMsg string) {
	key := correlationKey(correlationID, name)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		t.logger.Warn().
			Str("correlation_id", key).
			Str("tool", name).
			Str("session_id", sessionID).
			Msg("Tool settlement for unknown correlation id dropped")
		return
	}

	rec.SettledAt = time.Now()
	rec.Status = status
	rec.Result = result
	rec.Error = errMsg

	t.logger.Info().
		Str("correlation_id", key).
		Str("tool", rec.Name).
		Str("status", string(status)).
		Msg("Tool call settled")
}

// ActiveTools returns the records still executing, optionally filtered
// by session id (empty string means all sessions).
func (t *Tracker) ActiveTools(sessionID string) map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Record)
	for key, rec := range t.records {
		if rec.Terminal() {
			continue
		}
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		out[key] = *rec
	}
	return out
}

// Result returns the record for a correlation id, if any.
func (t *Tracker) Result(correlationID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[correlationID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Cleanup removes terminal records older than the retention age and
// returns the number removed. This is advisory housekeeping; an
// in-flight turn never depends on it.
func (t *Tracker) Cleanup() int {
	cutoff := time.Now().Add(-t.maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if rec.Terminal() && rec.SettledAt.Before(cutoff) {
			delete(t.records, key)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Msg("Tool records collected")
	}
	return removed
}

// Count returns the total number of retained records.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
