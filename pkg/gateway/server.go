package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/lumenlabs/lumen/internal/observability"
	"github.com/lumenlabs/lumen/internal/tracing"
	"github.com/lumenlabs/lumen/pkg/orchestrator"
)

// Config holds gateway server configuration.
type Config struct {
	Port         int
	AllowedHosts []string // defaults to localhost variants
	Manager      *orchestrator.Manager
	Logger       zerolog.Logger
}

// Server terminates websocket connections and feeds their frames into the
// orchestrator. One read loop per connection is the serialization point for
// that connection's turns.
type Server struct {
	port         int
	allowedHosts map[string]struct{}
	manager      *orchestrator.Manager
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
	server       *http.Server
	loops        sync.WaitGroup

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("gateway: invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("gateway: orchestrator manager is required")
	}
	if len(cfg.AllowedHosts) == 0 {
		cfg.AllowedHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[h] = struct{}{}
	}

	s := &Server{
		port:         cfg.Port,
		allowedHosts: allowed,
		manager:      cfg.Manager,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	return s, nil
}

// Start starts the HTTP server. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.hostValidation(mux),
	}

	s.logger.Info().Int("port", s.port).Msg("starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server. New connections are refused first,
// then every live connection is torn down (close frame sent, context
// canceled) and the read loops are drained with a bounded wait. Upgraded
// sockets are hijacked from the HTTP server, so http.Server.Shutdown
// alone would not wait for them.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("shutting down gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.manager.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("read loops did not drain before shutdown timeout")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// hostValidation rejects requests whose Host header is not allowlisted.
func (s *Server) hostValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if _, ok := s.allowedHosts[host]; !ok {
			http.Error(w, fmt.Sprintf("host %q is not allowed", host), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows same-host browsers and non-browser clients.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	_, ok := s.allowedHosts[u.Hostname()]
	return ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	connectionID, _ := gonanoid.New()
	// The connection context outlives this handler, so it hangs off
	// Background rather than the request context.
	ctx := tracing.NewConnectionContext(context.Background(), connectionID)
	log := tracing.LoggerFromContext(ctx, s.logger)

	cookieKey := ""
	if cookie, err := r.Cookie("appAccessKey"); err == nil {
		cookieKey = cookie.Value
	}

	out := newWSOutbound(sock)
	conn, err := s.manager.Connect(ctx, connectionID, cookieKey, out)
	if err != nil {
		log.Error().Err(err).Msg("failed to register connection")
		out.Close()
		return
	}

	log.Info().Str("ip", r.RemoteAddr).Msg("client connected")

	s.loops.Add(1)
	go s.readLoop(conn, sock, out, log)
}

// readLoop consumes client frames until the socket dies. It is the single
// driver of the connection's turns.
func (s *Server) readLoop(conn *orchestrator.Connection, sock *websocket.Conn, out *wsOutbound, log zerolog.Logger) {
	defer func() {
		s.manager.Disconnect(conn.ID())
		s.loops.Done()
		log.Info().Msg("client disconnected")
	}()

	for {
		var msg InboundMessage
		if err := sock.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		if done := s.dispatch(conn, out, msg, log); done {
			return
		}
	}
}

// dispatch handles one inbound frame. A true return ends the read loop.
func (s *Server) dispatch(conn *orchestrator.Connection, out *wsOutbound, msg InboundMessage, log zerolog.Logger) bool {
	// Turns run under the connection context so teardown aborts them.
	ctx := conn.Context()

	switch msg.Type {
	case TypeMessage:
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			return false
		}
		result := conn.ProcessMessage(ctx, content)
		return result.ConnectionClosed

	case TypeCreateSession:
		session := conn.CreateSession(ctx)
		conn.SwitchSession(session.ID)
		s.send(ctx, out, sessionsListMessage(conn), log)
		s.send(ctx, out, sessionMessagesMessage(conn, session.ID), log)

	case TypeSwitchSession:
		if msg.SessionID != "" && conn.SwitchSession(msg.SessionID) {
			s.send(ctx, out, sessionMessagesMessage(conn, msg.SessionID), log)
		} else {
			s.sendError(ctx, out, "session does not exist", log)
		}

	case TypeGetSessions:
		s.send(ctx, out, sessionsListMessage(conn), log)

	case TypeDeleteSession:
		if msg.SessionID != "" && conn.DeleteSession(ctx, msg.SessionID) {
			s.send(ctx, out, sessionsListMessage(conn), log)
		} else {
			s.sendError(ctx, out, "failed to delete session", log)
		}

	case TypeAuthenticate:
		if conn.Authenticate(strings.TrimSpace(msg.AppAccessKey), strings.TrimSpace(msg.ClientName)) {
			s.send(ctx, out, AuthResultMessage{Type: "auth_success", Content: "authenticated"}, log)
		} else {
			s.send(ctx, out, AuthResultMessage{Type: "auth_error", Content: "authentication failed: missing access key"}, log)
		}

	default:
		s.sendError(ctx, out, fmt.Sprintf("unknown message type: %s", msg.Type), log)
	}

	return false
}

func (s *Server) send(ctx context.Context, out *wsOutbound, payload interface{}, log zerolog.Logger) {
	if err := out.Send(ctx, payload); err != nil {
		log.Error().Err(err).Msg("failed to send payload")
	}
}

func (s *Server) sendError(ctx context.Context, out *wsOutbound, content string, log zerolog.Logger) {
	s.send(ctx, out, map[string]string{"type": "error", "content": content}, log)
}
