package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenlabs/lumen/internal/observability"
	"github.com/lumenlabs/lumen/pkg/billing"
	"github.com/lumenlabs/lumen/pkg/runner"
	"github.com/lumenlabs/lumen/pkg/tooltracker"
)

// Config holds orchestrator configuration.
type Config struct {
	ReadyRetries  int           // bounded wait for runner init, defaults to 50
	ReadyInterval time.Duration // defaults to 100ms
	CloseDelay    time.Duration // delivery grace before a billing-forced close, defaults to 500ms
	TrackerMaxAge time.Duration // tool record retention, defaults to tooltracker.DefaultMaxAge
	Billing       billing.Config
}

// Manager owns all live connections. Each connection gets its own session
// map, state machine registry, tool tracker and billing engine; nothing is
// shared across connections except the runner factory and the audit ledger.
type Manager struct {
	cfg     Config
	factory runner.Factory
	logger  zerolog.Logger
	ledger  *billing.Ledger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewManager creates a connection manager.
func NewManager(cfg Config, factory runner.Factory, logger zerolog.Logger) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("orchestrator: runner factory is required")
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = 50
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 100 * time.Millisecond
	}
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = 500 * time.Millisecond
	}
	if cfg.TrackerMaxAge <= 0 {
		cfg.TrackerMaxAge = tooltracker.DefaultMaxAge
	}

	return &Manager{
		cfg:         cfg,
		factory:     factory,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		connections: make(map[string]*Connection),
	}, nil
}

// AttachLedger enables charge auditing for all subsequently created
// connections.
func (m *Manager) AttachLedger(l *billing.Ledger) {
	m.ledger = l
}

// UpdateBillingConfig replaces the billing settings used for connections
// established after this call. Live connections keep the engine they were
// created with.
func (m *Manager) UpdateBillingConfig(cfg billing.Config) {
	m.mu.Lock()
	m.cfg.Billing = cfg
	m.mu.Unlock()
	m.logger.Info().Bool("enabled", cfg.Enabled).Msg("billing config updated")
}

// Connect registers a new transport connection and creates its first
// session. cookieKey carries the access key from the transport's cookie,
// if any.
func (m *Manager) Connect(ctx context.Context, connectionID, cookieKey string, out Outbound) (*Connection, error) {
	if out == nil {
		return nil, fmt.Errorf("orchestrator: outbound transport is required")
	}

	m.mu.RLock()
	billingCfg := m.cfg.Billing
	m.mu.RUnlock()

	engine, err := billing.New(billingCfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create billing engine: %w", err)
	}
	if m.ledger != nil {
		engine.AttachLedger(m.ledger)
	}

	conn := newConnection(ctx, m, connectionID, cookieKey, engine, out)

	m.mu.Lock()
	m.connections[connectionID] = conn
	count := len(m.connections)
	m.mu.Unlock()

	observability.SetActiveConnections(count)
	conn.logger.Info().Str("user_id", conn.userID).Msg("connection established")

	// Every connection starts with one session so the client can talk
	// immediately. Session work hangs off the connection context so
	// teardown cancels it.
	session := conn.CreateSession(conn.ctx)
	conn.SwitchSession(session.ID)

	return conn, nil
}

// Disconnect tears down a connection and all its sessions.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if ok {
		delete(m.connections, connectionID)
	}
	count := len(m.connections)
	m.mu.Unlock()

	if !ok {
		return
	}

	observability.SetActiveConnections(count)
	conn.teardown()
	conn.logger.Info().Msg("connection removed")
}

// Shutdown tears down every live connection: contexts are canceled so
// in-flight turns abort, transports get their close frames, and runners
// are released.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.teardown()
	}

	observability.SetActiveConnections(0)
	if len(conns) > 0 {
		m.logger.Info().Int("connections", len(conns)).Msg("all connections closed")
	}
}

// Connection returns a live connection or nil.
func (m *Manager) Connection(connectionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connectionID]
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Trackers returns each live connection's tool tracker, for periodic
// cleanup scheduling.
func (m *Manager) Trackers() []*tooltracker.Tracker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trackers := make([]*tooltracker.Tracker, 0, len(m.connections))
	for _, conn := range m.connections {
		trackers = append(trackers, conn.tracker)
	}
	return trackers
}

func (m *Manager) sessionTotal() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, conn := range m.connections {
		total += conn.sessionCount()
	}
	return total
}
