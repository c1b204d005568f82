package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/telemetry"
	"github.com/maxpert/fanout/wire"
	"github.com/nats-io/nats.go"
)

// Close codes used by the current protocol
const (
	closeBadRequest   = 4400
	closeUnauthorized = 4401
	closeInitTimeout  = 4408
	closeDuplicateID  = 4409
	closeTooManyInits = 4429
)

// client is one live WebSocket connection held by this node
type client struct {
	conn         common.Connection
	ws           *websocket.Conn
	vocab        wire.Vocabulary
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool

	// Touched only by the read loop
	initialized bool
	operations  map[string]struct{}

	natsSub *nats.Subscription
}

func newClient(conn common.Connection, ws *websocket.Conn, writeTimeout time.Duration) *client {
	return &client{
		conn:         conn,
		ws:           ws,
		vocab:        wire.Select(conn.Legacy),
		writeTimeout: writeTimeout,
		operations:   make(map[string]struct{}),
	}
}

// write sends one JSON message. Safe for concurrent use.
func (c *client) write(msg wire.OutboundMessage) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	telemetry.GatewayMessagesTotal.With("out", msg.Type).Inc()
	return nil
}

// closeWith sends a close frame with code and reason
func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.closed.Store(true)
}
