package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lumenlabs/lumen/internal/observability"
	"github.com/lumenlabs/lumen/internal/tracing"
	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/runner"
	"github.com/lumenlabs/lumen/pkg/statemachine"
)

// ErrConnectionClosed is returned for turns attempted after the connection
// has been shut down.
var ErrConnectionClosed = errors.New("orchestrator: connection is closed")

// ErrNoActiveSession is returned when no session is current.
var ErrNoActiveSession = errors.New("orchestrator: no active session")

// TurnResult is the outcome of one processed message. Exactly one of the
// flags describes what happened; Err is set for failed turns.
type TurnResult struct {
	Success          bool
	NotReady         bool
	ConnectionClosed bool
	Content          string
	Usage            *runner.Usage
	Charge           *billing.Outcome
	Err              error
}

// ProcessMessage drives one turn on the current session: wait for the
// runner, stream events through the tracker, extract the final answer,
// charge, and report. Every failure is caught here; nothing propagates to
// the transport loop as a panic or unhandled error.
func (c *Connection) ProcessMessage(ctx context.Context, text string) TurnResult {
	start := time.Now()

	if c.Closed() {
		return TurnResult{Err: ErrConnectionClosed}
	}

	sessionID := c.CurrentSessionID()
	if sessionID == "" {
		c.send(ctx, errorPayload("no active session"))
		observability.RecordTurn("no_session", time.Since(start))
		return TurnResult{Err: ErrNoActiveSession}
	}

	// The turn lives and dies with the connection: closing the connection
	// cancels this context, which aborts the stream before any charge.
	if c.ctx != nil {
		ctx = tracing.MergeContext(c.ctx, ctx)
	}
	ctx = tracing.NewTurnContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "orchestrator", "turn",
		attribute.String("session_id", sessionID))
	defer span.End()
	log := tracing.LoggerFromContext(ctx, c.logger)

	run, ok := c.awaitRunner(ctx, sessionID)
	if !ok {
		if ctx.Err() != nil {
			observability.RecordTurn("aborted", time.Since(start))
			return TurnResult{ConnectionClosed: true, Err: ErrConnectionClosed}
		}
		log.Warn().Msg("runner never became ready within the retry budget")
		c.send(ctx, errorPayload("session initialization failed, please retry"))
		observability.RecordTurn("not_ready", time.Since(start))
		return TurnResult{NotReady: true}
	}

	c.mu.Lock()
	if session := c.sessions[sessionID]; session != nil {
		session.UpdateTitle(text)
	}
	c.mu.Unlock()

	c.appendHistory(sessionID, HistoryMessage{Role: "user", Content: text})

	machine := c.machines.Get(sessionID)
	if machine != nil {
		machine.Transition(statemachine.StateProcessing, nil, "Processing user message")
	}

	events, toolCalls, err := c.consumeStream(ctx, run, sessionID, machine, text)
	if ctx.Err() != nil {
		// A disconnect mid-turn skips billing and skips sends: the
		// transport is gone.
		log.Warn().Msg("turn aborted, connection went away")
		observability.RecordTurn("aborted", time.Since(start))
		return TurnResult{ConnectionClosed: true, Err: ErrConnectionClosed}
	}
	if err != nil {
		log.Error().Err(err).Msg("turn failed")
		c.send(ctx, errorPayload(fmt.Sprintf("message processing failed: %v", err)))
		c.send(ctx, completePayload())
		if machine != nil {
			machine.Transition(statemachine.StateError, nil, "Message processing failed: "+err.Error())
		}
		observability.RecordTurn("error", time.Since(start))
		return TurnResult{Err: err}
	}

	content := runner.FinalText(events)
	usage := runner.LastUsage(events)

	c.appendHistory(sessionID, HistoryMessage{Role: "assistant", Content: content})

	var charge *billing.Outcome
	if c.billing.Enabled() {
		var in, out int64
		if usage != nil {
			in = usage.PromptTokens
			out = usage.CandidatesTokens
		}
		outcome := c.billing.Charge(ctx, in, out, int64(toolCalls), c.credential())
		charge = &outcome
	}

	c.send(ctx, assistantPayload(sessionID, content, usage, charge))
	c.send(ctx, completePayload())

	if charge != nil && !charge.Success {
		// A rejected charge ends the connection: deliver the failure,
		// give the transport a moment, then close.
		log.Warn().Int("code", charge.Code).Str("message", charge.Message).Msg("charge failed, terminating connection")
		c.send(ctx, errorPayload("billing failed: "+charge.Message))
		if machine != nil {
			machine.Transition(statemachine.StateError, nil, "Charge failed: "+charge.Message)
		}
		time.Sleep(c.manager.cfg.CloseDelay)
		c.Close()
		observability.RecordTurn("charge_failed", time.Since(start))
		return TurnResult{
			Content:          content,
			Usage:            usage,
			Charge:           charge,
			ConnectionClosed: true,
			Err:              fmt.Errorf("orchestrator: charge failed: %s", charge.Message),
		}
	}

	if machine != nil {
		machine.Transition(statemachine.StateReady, nil, "Message processing completed")
	}

	observability.RecordTurn("success", time.Since(start))
	log.Debug().Int("events", len(events)).Int("tool_calls", toolCalls).Msg("turn completed")

	return TurnResult{
		Success: true,
		Content: content,
		Usage:   usage,
		Charge:  charge,
	}
}

// awaitRunner polls for the session's runner with a bounded retry budget.
// It never blocks indefinitely.
func (c *Connection) awaitRunner(ctx context.Context, sessionID string) (runner.Runner, bool) {
	for attempt := 0; attempt < c.manager.cfg.ReadyRetries; attempt++ {
		c.mu.Lock()
		run, ok := c.runners[sessionID]
		c.mu.Unlock()
		if ok {
			return run, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.manager.cfg.ReadyInterval):
		}
	}

	c.mu.Lock()
	run, ok := c.runners[sessionID]
	c.mu.Unlock()
	return run, ok
}

// consumeStream drives the runner's event stream in emission order,
// forwarding tool events to the tracker and the transport.
func (c *Connection) consumeStream(ctx context.Context, run runner.Runner, sessionID string, machine *statemachine.Machine, text string) ([]runner.Event, int, error) {
	stream, err := run.Run(ctx, text)
	if err != nil {
		return nil, 0, err
	}

	var events []runner.Event
	toolCalls := 0

	for {
		var ev runner.Event
		var ok bool
		select {
		case <-ctx.Done():
			// Unblock the runner goroutine, then bail out.
			go func() {
				for range stream {
				}
			}()
			return events, toolCalls, ctx.Err()
		case ev, ok = <-stream:
			if !ok {
				return events, toolCalls, nil
			}
		}
		events = append(events, ev)

		switch ev.Kind {
		case runner.KindToolCallStarted:
			toolCalls++
			c.tracker.ToolStarted(sessionID, ev.Tool.ID, ev.Tool.Name, ev.Tool.LongRunning)
			observability.RecordToolEvent("executing")
			if machine != nil {
				machine.Transition(statemachine.StateWaitingForTool, nil, "Tool call started: "+ev.Tool.Name)
			}
			c.appendHistory(sessionID, HistoryMessage{
				Role:          "tool",
				Content:       "Executing tool: " + ev.Tool.Name,
				ToolName:      ev.Tool.Name,
				ToolID:        ev.Tool.ID,
				ToolStatus:    "executing",
				IsLongRunning: ev.Tool.LongRunning,
			})
			c.send(ctx, toolExecutingPayload(sessionID, ev.Tool))

		case runner.KindToolCallCompleted:
			c.tracker.ToolCompleted(sessionID, ev.Tool.ID, ev.Tool.Name, ev.Tool.Result)
			observability.RecordToolEvent("completed")
			if machine != nil {
				machine.Transition(statemachine.StateProcessing, nil, "Tool call settled: "+ev.Tool.Name)
			}
			c.appendHistory(sessionID, HistoryMessage{
				Role:       "tool",
				Content:    "Tool completed: " + ev.Tool.Name,
				ToolName:   ev.Tool.Name,
				ToolID:     ev.Tool.ID,
				ToolStatus: "completed",
				Result:     ev.Tool.Result,
			})
			c.send(ctx, toolSettledPayload(sessionID, ev.Tool))

		case runner.KindToolCallFailed:
			c.tracker.ToolFailed(sessionID, ev.Tool.ID, ev.Tool.Name, ev.Tool.Error)
			observability.RecordToolEvent("failed")
			if machine != nil {
				machine.Transition(statemachine.StateProcessing, nil, "Tool call settled: "+ev.Tool.Name)
			}
			c.appendHistory(sessionID, HistoryMessage{
				Role:       "tool",
				Content:    "Tool failed: " + ev.Tool.Name,
				ToolName:   ev.Tool.Name,
				ToolID:     ev.Tool.ID,
				ToolStatus: "completed",
				Result:     ev.Tool.Error,
			})
			c.send(ctx, toolSettledPayload(sessionID, ev.Tool))

		case runner.KindError:
			// Drain the remainder so the runner goroutine can exit.
			for range stream {
			}
			return events, toolCalls, ev.Err
		}
	}
}
