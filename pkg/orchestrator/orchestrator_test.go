package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/runner"
	"github.com/lumenlabs/lumen/pkg/statemachine"
)

type fakeRunner struct {
	events []runner.Event
	runErr error
}

func (f *fakeRunner) Run(ctx context.Context, text string) (<-chan runner.Event, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	out := make(chan runner.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeRunner) Close() error { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	events  []runner.Event
	initErr error
	block   chan struct{} // when set, NewRunner waits for it
	created int
}

func (f *fakeFactory) NewRunner(ctx context.Context, sessionID, userID string) (runner.Runner, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &fakeRunner{events: f.events}, nil
}

type fakeOutbound struct {
	mu       sync.Mutex
	payloads []interface{}
	closed   bool
}

func (f *fakeOutbound) Send(ctx context.Context, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeOutbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutbound) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeOutbound) all() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.payloads))
	copy(out, f.payloads)
	return out
}

func (f *fakeOutbound) typed(kind string) []interface{} {
	var out []interface{}
	for _, p := range f.all() {
		switch v := p.(type) {
		case AssistantPayload:
			if kind == "assistant" {
				out = append(out, v)
			}
		case CompletePayload:
			if kind == "complete" {
				out = append(out, v)
			}
		case ToolPayload:
			if kind == "tool" {
				out = append(out, v)
			}
		case ErrorPayload:
			if kind == "error" {
				out = append(out, v)
			}
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		ReadyRetries:  20,
		ReadyInterval: 5 * time.Millisecond,
		CloseDelay:    time.Millisecond,
	}
}

func connect(t *testing.T, cfg Config, factory runner.Factory) (*Manager, *Connection, *fakeOutbound) {
	t.Helper()
	m, err := NewManager(cfg, factory, zerolog.Nop())
	require.NoError(t, err)

	out := &fakeOutbound{}
	conn, err := m.Connect(context.Background(), "conn-1", "", out)
	require.NoError(t, err)
	t.Cleanup(func() { m.Disconnect("conn-1") })
	return m, conn, out
}

func waitReady(t *testing.T, conn *Connection, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		machine := conn.machines.Get(sessionID)
		return machine != nil && machine.Is(statemachine.StateReady)
	}, time.Second, 5*time.Millisecond)
}

func TestNewManager(t *testing.T) {
	t.Run("nil factory rejected", func(t *testing.T) {
		_, err := NewManager(testConfig(), nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("defaults applied", func(t *testing.T) {
		m, err := NewManager(Config{}, &fakeFactory{}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 50, m.cfg.ReadyRetries)
		assert.Equal(t, 100*time.Millisecond, m.cfg.ReadyInterval)
	})
}

func TestConnectCreatesInitialSession(t *testing.T) {
	m, conn, _ := connect(t, testConfig(), &fakeFactory{})

	assert.Equal(t, 1, m.ConnectionCount())
	assert.NotEmpty(t, conn.CurrentSessionID())
	assert.Len(t, conn.Sessions(), 1)
	assert.Contains(t, conn.UserID(), "user_")
}

func TestCreateSessionVisibleBeforeInit(t *testing.T) {
	factory := &fakeFactory{block: make(chan struct{})}
	_, conn, _ := connect(t, testConfig(), factory)

	// Initial session's runner is still blocked, but the session is listed.
	assert.Len(t, conn.Sessions(), 1)
	sessionID := conn.CurrentSessionID()

	machine := conn.machines.Get(sessionID)
	require.NotNil(t, machine)
	assert.True(t, machine.Is(statemachine.StateInitializing))

	close(factory.block)
	waitReady(t, conn, sessionID)
}

func TestInitFailureRollsBackSession(t *testing.T) {
	factory := &fakeFactory{initErr: errors.New("provider unreachable")}
	_, conn, _ := connect(t, testConfig(), factory)

	sessionID := conn.CurrentSessionID()
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		return conn.Session(sessionID) == nil
	}, time.Second, 5*time.Millisecond)

	machine := conn.machines.Get(sessionID)
	require.NotNil(t, machine)
	assert.True(t, machine.Is(statemachine.StateError))
}

func TestProcessMessageHappyPath(t *testing.T) {
	factory := &fakeFactory{events: []runner.Event{
		{Kind: runner.KindUsageUpdate, Usage: &runner.Usage{PromptTokens: 100, CandidatesTokens: 50, TotalTokens: 150}},
		{Kind: runner.KindTextChunk, Text: "hello there"},
	}}
	_, conn, out := connect(t, testConfig(), factory)
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)

	result := conn.ProcessMessage(context.Background(), "hi")

	require.True(t, result.Success)
	assert.Equal(t, "hello there", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(100), result.Usage.PromptTokens)
	assert.Nil(t, result.Charge) // metering disabled

	assistants := out.typed("assistant")
	require.Len(t, assistants, 1)
	assert.Equal(t, "hello there", assistants[0].(AssistantPayload).Content)
	assert.Len(t, out.typed("complete"), 1)

	machine := conn.machines.Get(sessionID)
	assert.True(t, machine.Is(statemachine.StateReady))

	// Title derives from the first message; history holds both sides.
	assert.Equal(t, "hi", conn.Session(sessionID).Title)
	history := conn.History(sessionID)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestProcessMessageWithTools(t *testing.T) {
	factory := &fakeFactory{events: []runner.Event{
		{Kind: runner.KindToolCallStarted, Tool: &runner.ToolCall{ID: "t1", Name: "search", Args: map[string]interface{}{"q": "go"}}},
		{Kind: runner.KindToolCallCompleted, Tool: &runner.ToolCall{ID: "t1", Name: "search", Result: "3 hits"}},
		{Kind: runner.KindTextChunk, Parts: []string{"found it"}},
		{Kind: runner.KindUsageUpdate, Usage: &runner.Usage{PromptTokens: 10, CandidatesTokens: 5, TotalTokens: 15}},
	}}
	_, conn, out := connect(t, testConfig(), factory)
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)

	result := conn.ProcessMessage(context.Background(), "find go")
	require.True(t, result.Success)
	assert.Equal(t, "found it", result.Content)

	tools := out.typed("tool")
	require.Len(t, tools, 2)
	assert.Equal(t, "executing", tools[0].(ToolPayload).Status)
	assert.Equal(t, "completed", tools[1].(ToolPayload).Status)
	assert.Equal(t, "3 hits", tools[1].(ToolPayload).Result)

	record, ok := conn.Tracker().Result("t1")
	require.True(t, ok)
	assert.True(t, record.Terminal())
	assert.Equal(t, "3 hits", record.Result)

	history := conn.History(sessionID)
	require.Len(t, history, 4) // user, tool executing, tool completed, assistant
	assert.Equal(t, "tool", history[1].Role)
}

func TestProcessMessageTurnFailure(t *testing.T) {
	factory := &fakeFactory{events: []runner.Event{
		{Kind: runner.KindTextChunk, Text: "partial"},
		{Kind: runner.KindError, Err: errors.New("stream broke")},
	}}
	_, conn, out := connect(t, testConfig(), factory)
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)

	result := conn.ProcessMessage(context.Background(), "hi")

	require.Error(t, result.Err)
	assert.False(t, result.Success)

	errs := out.typed("error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(ErrorPayload).Content, "stream broke")

	machine := conn.machines.Get(sessionID)
	assert.True(t, machine.Is(statemachine.StateError))

	// The connection survives a turn failure.
	assert.False(t, out.isClosed())
}

func TestProcessMessageNotReady(t *testing.T) {
	factory := &fakeFactory{block: make(chan struct{})}
	defer close(factory.block)

	cfg := testConfig()
	cfg.ReadyRetries = 3
	_, conn, out := connect(t, cfg, factory)

	done := make(chan TurnResult, 1)
	go func() {
		done <- conn.ProcessMessage(context.Background(), "hi")
	}()

	select {
	case result := <-done:
		assert.True(t, result.NotReady)
		assert.False(t, result.Success)
		require.Len(t, out.typed("error"), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessMessage hung waiting for runner")
	}
}

func TestProcessMessageChargeFailureClosesConnection(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 4001, "message": "insufficient balance"})
	}))
	defer backend.Close()

	factory := &fakeFactory{events: []runner.Event{
		{Kind: runner.KindUsageUpdate, Usage: &runner.Usage{PromptTokens: 10_000, CandidatesTokens: 1_000, TotalTokens: 11_000}},
		{Kind: runner.KindTextChunk, Text: "expensive answer"},
	}}

	cfg := testConfig()
	cfg.Billing = billing.Config{Enabled: true, BaseURL: backend.URL, SKUID: 1}
	_, conn, out := connect(t, cfg, factory)
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)

	require.True(t, conn.Authenticate("user-key", "test-client"))

	result := conn.ProcessMessage(context.Background(), "hi")

	assert.True(t, result.ConnectionClosed)
	assert.False(t, result.Success)
	require.NotNil(t, result.Charge)
	assert.False(t, result.Charge.Success)

	// The failed charge was still delivered with the assistant payload.
	assistants := out.typed("assistant")
	require.Len(t, assistants, 1)
	require.NotNil(t, assistants[0].(AssistantPayload).ChargeResult)
	assert.False(t, assistants[0].(AssistantPayload).ChargeResult.Success)
	require.NotEmpty(t, out.typed("error"))

	assert.True(t, out.isClosed())
	assert.True(t, conn.Closed())

	// No further turns are processed.
	again := conn.ProcessMessage(context.Background(), "hello?")
	assert.ErrorIs(t, again.Err, ErrConnectionClosed)
}

func TestProcessMessageChargeSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0})
	}))
	defer backend.Close()

	factory := &fakeFactory{events: []runner.Event{
		{Kind: runner.KindUsageUpdate, Usage: &runner.Usage{PromptTokens: 10_000, CandidatesTokens: 1_000, TotalTokens: 11_000}},
		{Kind: runner.KindTextChunk, Text: "answer"},
	}}

	cfg := testConfig()
	cfg.Billing = billing.Config{Enabled: true, BaseURL: backend.URL, SKUID: 1}
	_, conn, out := connect(t, cfg, factory)
	waitReady(t, conn, conn.CurrentSessionID())
	require.True(t, conn.Authenticate("user-key", ""))

	result := conn.ProcessMessage(context.Background(), "hi")

	require.True(t, result.Success)
	require.NotNil(t, result.Charge)
	assert.True(t, result.Charge.Success)
	assert.Equal(t, 8, result.Charge.Photons)
	assert.False(t, out.isClosed())
}

func TestSwitchSession(t *testing.T) {
	_, conn, _ := connect(t, testConfig(), &fakeFactory{})
	first := conn.CurrentSessionID()

	second := conn.CreateSession(context.Background())
	assert.True(t, conn.SwitchSession(second.ID))
	assert.Equal(t, second.ID, conn.CurrentSessionID())

	assert.False(t, conn.SwitchSession("missing"))
	assert.Equal(t, second.ID, conn.CurrentSessionID())

	assert.True(t, conn.SwitchSession(first))
}

func TestDeleteSessionFallsBack(t *testing.T) {
	_, conn, _ := connect(t, testConfig(), &fakeFactory{})
	first := conn.CurrentSessionID()

	second := conn.CreateSession(context.Background())
	require.True(t, conn.SwitchSession(second.ID))

	// Deleting the current session falls back to the oldest remaining one.
	require.True(t, conn.DeleteSession(context.Background(), second.ID))
	assert.Equal(t, first, conn.CurrentSessionID())

	// Deleting the last session creates a replacement.
	require.True(t, conn.DeleteSession(context.Background(), first))
	assert.NotEmpty(t, conn.CurrentSessionID())
	assert.Len(t, conn.Sessions(), 1)

	assert.False(t, conn.DeleteSession(context.Background(), "missing"))
}

func TestAuthenticate(t *testing.T) {
	_, conn, _ := connect(t, testConfig(), &fakeFactory{})

	assert.False(t, conn.Authenticate("", "client"))
	assert.False(t, conn.Authenticated())

	assert.True(t, conn.Authenticate("key-123", ""))
	assert.True(t, conn.Authenticated())

	cred := conn.credential()
	assert.Equal(t, "key-123", cred.ConnectionKey)
}

func TestSessionTitle(t *testing.T) {
	s := NewSession("s1")
	assert.Equal(t, DefaultTitle, s.Title)

	s.UpdateTitle("")
	assert.Equal(t, DefaultTitle, s.Title)

	s.UpdateTitle("short message")
	assert.Equal(t, "short message", s.Title)

	// Later messages never rename.
	s.UpdateTitle("another message")
	assert.Equal(t, "short message", s.Title)

	long := NewSession("s2")
	long.UpdateTitle("this is a very long first message that keeps going")
	assert.Equal(t, "this is a very long first mess...", long.Title)
}

func TestManagerDisconnect(t *testing.T) {
	factory := &fakeFactory{}
	m, err := NewManager(testConfig(), factory, zerolog.Nop())
	require.NoError(t, err)

	out := &fakeOutbound{}
	conn, err := m.Connect(context.Background(), "conn-x", "cookie-key", out)
	require.NoError(t, err)

	assert.Equal(t, "cookie-key", conn.credential().CookieKey)
	assert.Equal(t, 1, m.ConnectionCount())
	assert.NotNil(t, m.Connection("conn-x"))

	m.Disconnect("conn-x")
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Nil(t, m.Connection("conn-x"))
	assert.True(t, out.isClosed())

	// Unknown ids are a no-op.
	m.Disconnect("conn-x")
}

// hangingRunner emits nothing and ends its stream only when the turn
// context dies, like a stalled provider stream.
type hangingRunner struct{}

func (h *hangingRunner) Run(ctx context.Context, text string) (<-chan runner.Event, error) {
	out := make(chan runner.Event)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (h *hangingRunner) Close() error { return nil }

type hangingFactory struct{}

func (hangingFactory) NewRunner(ctx context.Context, sessionID, userID string) (runner.Runner, error) {
	return &hangingRunner{}, nil
}

// erroringOutbound models a dead transport: every send fails.
type erroringOutbound struct {
	fakeOutbound
}

func (e *erroringOutbound) Send(ctx context.Context, payload interface{}) error {
	return errors.New("broken pipe")
}

func TestProcessMessageAbortedOnClose(t *testing.T) {
	backendHits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0})
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.Billing = billing.Config{Enabled: true, BaseURL: backend.URL, SKUID: 1}
	_, conn, out := connect(t, cfg, hangingFactory{})
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)
	require.True(t, conn.Authenticate("user-key", ""))

	done := make(chan TurnResult, 1)
	go func() {
		done <- conn.ProcessMessage(context.Background(), "hi")
	}()

	// Wait until the turn is inside the stream, then drop the connection.
	require.Eventually(t, func() bool {
		machine := conn.machines.Get(sessionID)
		return machine != nil && machine.Is(statemachine.StateProcessing)
	}, time.Second, 5*time.Millisecond)
	conn.Close()

	select {
	case result := <-done:
		assert.True(t, result.ConnectionClosed)
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.Err, ErrConnectionClosed)
		assert.Nil(t, result.Charge)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessMessage did not abort after Close")
	}

	// The aborted turn never reached billing and sent nothing downstream.
	assert.Zero(t, backendHits)
	assert.Empty(t, out.typed("assistant"))
	assert.Empty(t, out.typed("complete"))
}

func TestProcessMessageAbortsWhenTransportDies(t *testing.T) {
	// The runner starts a tool, then stalls until the turn is canceled.
	factory := &fakeFactory{}
	m, err := NewManager(testConfig(), factory, zerolog.Nop())
	require.NoError(t, err)

	out := &erroringOutbound{}
	conn, err := m.Connect(context.Background(), "conn-dead", "", out)
	require.NoError(t, err)
	t.Cleanup(func() { m.Disconnect("conn-dead") })
	sessionID := conn.CurrentSessionID()
	waitReady(t, conn, sessionID)

	// Swap in a runner that emits one tool event and then hangs: the
	// failed tool payload send must cancel the turn.
	toolEvents := make(chan runner.Event, 1)
	toolEvents <- runner.Event{Kind: runner.KindToolCallStarted, Tool: &runner.ToolCall{ID: "t1", Name: "lookup"}}
	conn.mu.Lock()
	conn.runners[sessionID] = &scriptedStreamRunner{stream: toolEvents}
	conn.mu.Unlock()

	done := make(chan TurnResult, 1)
	go func() {
		done <- conn.ProcessMessage(context.Background(), "hi")
	}()

	select {
	case result := <-done:
		assert.True(t, result.ConnectionClosed)
		assert.ErrorIs(t, result.Err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessMessage did not abort after the transport died")
	}
}

// scriptedStreamRunner hands out a caller-owned channel and closes it when
// the turn context ends.
type scriptedStreamRunner struct {
	stream chan runner.Event
}

func (s *scriptedStreamRunner) Run(ctx context.Context, text string) (<-chan runner.Event, error) {
	go func() {
		<-ctx.Done()
		close(s.stream)
	}()
	return s.stream, nil
}

func (s *scriptedStreamRunner) Close() error { return nil }

func TestManagerShutdown(t *testing.T) {
	factory := &fakeFactory{}
	m, err := NewManager(testConfig(), factory, zerolog.Nop())
	require.NoError(t, err)

	outA := &fakeOutbound{}
	connA, err := m.Connect(context.Background(), "conn-a", "", outA)
	require.NoError(t, err)
	outB := &fakeOutbound{}
	connB, err := m.Connect(context.Background(), "conn-b", "", outB)
	require.NoError(t, err)

	m.Shutdown()

	assert.Zero(t, m.ConnectionCount())
	assert.True(t, outA.isClosed())
	assert.True(t, outB.isClosed())
	assert.True(t, connA.Closed())
	assert.True(t, connB.Closed())
	assert.Error(t, connA.Context().Err())
	assert.Error(t, connB.Context().Err())
}
