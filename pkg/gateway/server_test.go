package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/pkg/orchestrator"
	"github.com/lumenlabs/lumen/pkg/runner"
)

type scriptedRunner struct {
	events []runner.Event
}

func (r *scriptedRunner) Run(ctx context.Context, text string) (<-chan runner.Event, error) {
	out := make(chan runner.Event, len(r.events))
	for _, ev := range r.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (r *scriptedRunner) Close() error { return nil }

type scriptedFactory struct {
	events []runner.Event
}

func (f *scriptedFactory) NewRunner(ctx context.Context, sessionID, userID string) (runner.Runner, error) {
	return &scriptedRunner{events: f.events}, nil
}

func newTestGateway(t *testing.T, events []runner.Event) (*Server, *httptest.Server) {
	t.Helper()

	m, err := orchestrator.NewManager(orchestrator.Config{
		ReadyRetries:  20,
		ReadyInterval: 5 * time.Millisecond,
		CloseDelay:    time.Millisecond,
	}, &scriptedFactory{events: events}, zerolog.Nop())
	require.NoError(t, err)

	s, err := NewServer(Config{Port: 8080, Manager: m, Logger: zerolog.Nop()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(s.hostValidation(mux))
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestNewServer(t *testing.T) {
	m, err := orchestrator.NewManager(orchestrator.Config{}, &scriptedFactory{}, zerolog.Nop())
	require.NoError(t, err)

	t.Run("invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: 0, Manager: m})
		assert.Error(t, err)
	})

	t.Run("missing manager", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080})
		assert.Error(t, err)
	})
}

func TestHostValidation(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Host = "evil.example.com"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Loopback host passes.
	ok, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestGetSessions(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeGetSessions}))
	frame := readFrame(t, conn)

	assert.Equal(t, "sessions_list", frame["type"])
	sessions := frame["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.NotEmpty(t, frame["current_session_id"])
}

func TestAuthenticate(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeAuthenticate}))
	frame := readFrame(t, conn)
	assert.Equal(t, "auth_error", frame["type"])

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeAuthenticate, AppAccessKey: "key-123"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "auth_success", frame["type"])
}

func TestCreateAndSwitchSession(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeCreateSession}))

	list := readFrame(t, conn)
	assert.Equal(t, "sessions_list", list["type"])
	assert.Len(t, list["sessions"].([]interface{}), 2)

	replay := readFrame(t, conn)
	assert.Equal(t, "session_messages", replay["type"])

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeSwitchSession, SessionID: "missing"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}

func TestMessageTurn(t *testing.T) {
	events := []runner.Event{
		{Kind: runner.KindUsageUpdate, Usage: &runner.Usage{PromptTokens: 10, CandidatesTokens: 5, TotalTokens: 15}},
		{Kind: runner.KindTextChunk, Text: "hi from the model"},
	}
	_, ts := newTestGateway(t, events)
	conn := dial(t, ts)

	// Give the initial session's runner time to come up, then drive a turn.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeMessage, Content: "hello"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "assistant", frame["type"])
	assert.Equal(t, "hi from the model", frame["content"])
	assert.NotEmpty(t, frame["session_id"])

	complete := readFrame(t, conn)
	assert.Equal(t, "complete", complete["type"])
}

func TestUnknownVerb(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "bogus"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["content"], "unknown message type")
}

func TestBlankMessageIgnored(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeMessage, Content: "   "}))
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeGetSessions}))

	// The blank message produced no frames; the next frame answers
	// get_sessions.
	frame := readFrame(t, conn)
	assert.Equal(t, "sessions_list", frame["type"])
}

func TestStopClosesConnectionsAndDrains(t *testing.T) {
	s, ts := newTestGateway(t, nil)
	conn := dial(t, ts)

	require.Eventually(t, func() bool {
		return s.manager.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Stop must tear down the live websocket and wait for its read loop,
	// not just the HTTP listener.
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after draining read loops")
	}

	assert.Zero(t, s.manager.ConnectionCount())

	// The client's side of the socket is gone.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var frame map[string]interface{}
	assert.Error(t, conn.ReadJSON(&frame))
}
