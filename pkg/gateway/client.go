package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds one frame's delivery.
const writeTimeout = 10 * time.Second

// wsOutbound adapts a gorilla websocket connection to the orchestrator's
// Outbound interface. Gorilla connections allow only one concurrent writer,
// so every write goes through the mutex.
type wsOutbound struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSOutbound(conn *websocket.Conn) *wsOutbound {
	return &wsOutbound{conn: conn}
}

// Send writes one JSON frame.
func (o *wsOutbound) Send(ctx context.Context, payload interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return websocket.ErrCloseSent
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = o.conn.SetWriteDeadline(deadline)

	return o.conn.WriteJSON(payload)
}

// Close sends a close frame and tears down the socket. Safe to call more
// than once.
func (o *wsOutbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	_ = o.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return o.conn.Close()
}
