// Package gateway terminates subscription clients.
//
// The Hub accepts WebSocket connections speaking either the current
// graphql-transport-ws protocol or the legacy graphql-ws protocol, records
// them in the connection registry, registers their subscriptions through the
// execution engine and writes pushed messages back to the sockets it holds.
// Connections held by other nodes are reached over NATS (see ServeNATS).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/delivery"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/telemetry"
	"github.com/maxpert/fanout/wire"
	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultInitTimeout  = 10 * time.Second
	registryTimeout     = 5 * time.Second
)

// Connections is the registry surface the gateway writes to
type Connections interface {
	PutConnection(ctx context.Context, conn common.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	DeleteSubscription(ctx context.Context, connectionID, operationID string) error
}

// Config configures a Hub
type Config struct {
	Connections    Connections
	Engine         dispatch.Engine
	Endpoint       string // Stored on every connection; identifies this node
	WriteTimeout   time.Duration
	InitTimeout    time.Duration // Current protocol: close if no connection_init in time
	AllowedOrigins []string      // Glob patterns; empty allows every origin
}

// Hub owns the live clients of this node and implements dispatch.Sender
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	origins  []glob.Glob
	clients  *xsync.MapOf[string, *client]
	handlers sync.WaitGroup

	// Guards nc, natsPrefix and every client's natsSub
	natsMu     sync.Mutex
	nc         *nats.Conn
	natsPrefix string
}

var _ dispatch.Sender = (*Hub)(nil)

// NewHub creates a Hub
func NewHub(config Config) (*Hub, error) {
	if config.Connections == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = DefaultInitTimeout
	}

	h := &Hub{
		config:  config,
		clients: xsync.NewMapOf[string, *client](),
	}

	for _, pattern := range config.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		h.origins = append(h.origins, g)
	}

	h.upgrader = websocket.Upgrader{
		Subprotocols: wire.Subprotocols(),
		CheckOrigin:  h.checkOrigin,
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, g := range h.origins {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

// Size returns the number of live clients
func (h *Hub) Size() int {
	return h.clients.Size()
}

// ServeNATS answers delivery requests for the clients of this node. Every
// client subscribes to its own subject, so requests for unknown connections
// get no responder. It may be called while clients are connected.
func (h *Hub) ServeNATS(nc *nats.Conn, prefix string) error {
	if nc == nil {
		return fmt.Errorf("nats connection is required")
	}
	h.natsMu.Lock()
	h.nc = nc
	h.natsPrefix = prefix
	h.natsMu.Unlock()

	var firstErr error
	h.clients.Range(func(_ string, c *client) bool {
		if err := h.subscribeNATS(c); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (h *Hub) subscribeNATS(c *client) error {
	h.natsMu.Lock()
	defer h.natsMu.Unlock()

	// A closed client is already past unregister and would leak the subscription
	if h.nc == nil || c.natsSub != nil || c.closed.Load() {
		return nil
	}

	sub, err := h.nc.Subscribe(delivery.Subject(h.natsPrefix, c.conn.ID), func(m *nats.Msg) {
		var in wire.Message
		if err := json.Unmarshal(m.Data, &in); err != nil {
			m.Respond([]byte("invalid message"))
			return
		}

		out := wire.OutboundMessage{ID: in.ID, Type: in.Type}
		if len(in.Payload) > 0 {
			out.Payload = in.Payload
		}
		err := h.Send(context.Background(), c.conn, out)
		switch {
		case err == nil:
			m.Respond([]byte(delivery.ReplyOK))
		case errors.Is(err, dispatch.ErrConnectionGone):
			m.Respond([]byte(delivery.ReplyGone))
		default:
			m.Respond([]byte(err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe delivery subject for %s: %w", c.conn.ID, err)
	}
	c.natsSub = sub
	return nil
}

// Send writes msg to a client held by this node
func (h *Hub) Send(_ context.Context, conn common.Connection, msg wire.OutboundMessage) error {
	c, ok := h.clients.Load(conn.ID)
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrConnectionGone, conn.ID)
	}
	if err := c.write(msg); err != nil {
		if c.closed.Load() || errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("%w: %s", dispatch.ErrConnectionGone, conn.ID)
		}
		return fmt.Errorf("failed to write to %s: %w", conn.ID, err)
	}
	return nil
}

// ServeHTTP upgrades the request and runs the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	h.handlers.Add(1)
	defer h.handlers.Done()

	protocol := wire.FromSubprotocol(ws.Subprotocol())
	conn := common.Connection{
		ID:          uuid.NewString(),
		Legacy:      protocol.Legacy(),
		Endpoint:    h.config.Endpoint,
		ConnectedAt: time.Now().UnixMilli(),
	}

	c := newClient(conn, ws, h.config.WriteTimeout)
	if err := h.register(c); err != nil {
		log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to register connection")
		c.closeWith(websocket.CloseInternalServerErr, "registry unavailable")
		ws.Close()
		return
	}
	defer h.unregister(c)

	log.Debug().
		Str("connection", conn.ID).
		Str("protocol", protocol.String()).
		Msg("Client connected")

	h.readLoop(c)
}

func (h *Hub) register(c *client) error {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if err := h.config.Connections.PutConnection(ctx, c.conn); err != nil {
		return err
	}
	h.clients.Store(c.conn.ID, c)
	telemetry.GatewayConnections.Inc()

	if err := h.subscribeNATS(c); err != nil {
		log.Warn().Err(err).Str("connection", c.conn.ID).Msg("Connection not reachable from other nodes")
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	c.closed.Store(true)
	h.clients.Delete(c.conn.ID)
	telemetry.GatewayConnections.Dec()

	h.natsMu.Lock()
	sub := c.natsSub
	c.natsSub = nil
	h.natsMu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.config.Connections.DeleteConnection(ctx, c.conn.ID); err != nil {
		log.Warn().Err(err).Str("connection", c.conn.ID).Msg("Failed to remove connection from registry")
	}

	c.ws.Close()
	log.Debug().Str("connection", c.conn.ID).Msg("Client disconnected")
}

// Close disconnects every client and waits for their registry entries to
// be removed
func (h *Hub) Close() {
	h.clients.Range(func(_ string, c *client) bool {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.ws.Close()
		return true
	})
	h.handlers.Wait()
}
