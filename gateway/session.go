package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/telemetry"
	"github.com/maxpert/fanout/wire"
	"github.com/rs/zerolog/log"
)

// readLoop handles client messages until the socket closes or the client
// terminates.
func (h *Hub) readLoop(c *client) {
	var initTimer *time.Timer
	if !c.conn.Legacy {
		initTimer = time.AfterFunc(h.config.InitTimeout, func() {
			if !c.closed.Load() {
				c.closeWith(closeInitTimeout, "Connection initialisation timeout")
				c.ws.Close()
			}
		})
		defer initTimer.Stop()
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			telemetry.GatewayMessagesTotal.With("in", "invalid").Inc()
			if !h.rejectInvalid(c, "Invalid message received") {
				return
			}
			continue
		}
		telemetry.GatewayMessagesTotal.With("in", msg.Type).Inc()

		if !h.handle(c, msg, initTimer) {
			return
		}
	}
}

// handle processes one message and reports whether the connection stays open.
func (h *Hub) handle(c *client, msg wire.Message, initTimer *time.Timer) bool {
	v := c.vocab

	switch msg.Type {
	case v.ConnectionInit:
		if c.initialized {
			if c.conn.Legacy {
				return true
			}
			c.closeWith(closeTooManyInits, "Too many initialisation requests")
			return false
		}
		c.initialized = true
		if initTimer != nil {
			initTimer.Stop()
		}
		if err := c.write(wire.OutboundMessage{Type: v.ConnectionAck}); err != nil {
			return false
		}
		if v.KeepAlive != "" {
			c.write(wire.OutboundMessage{Type: v.KeepAlive})
		}
		return true

	case v.Subscribe:
		return h.subscribe(c, msg)

	case v.Stop:
		h.stop(c, msg.ID)
		return true

	case v.Ping:
		c.write(wire.OutboundMessage{Type: v.Pong})
		return true

	case v.Pong:
		return true

	case v.Terminate:
		return false
	}

	return h.rejectInvalid(c, fmt.Sprintf("Unsupported message type %q", msg.Type))
}

// rejectInvalid answers a malformed message. The current protocol closes the
// socket; the legacy protocol reports a connection error and carries on.
func (h *Hub) rejectInvalid(c *client, reason string) bool {
	if c.conn.Legacy {
		c.write(wire.OutboundMessage{
			Type:    c.vocab.ConnectionError,
			Payload: wire.ErrorPayload{Message: reason},
		})
		return true
	}
	c.closeWith(closeBadRequest, reason)
	return false
}

func (h *Hub) subscribe(c *client, msg wire.Message) bool {
	if !c.initialized {
		if c.conn.Legacy {
			h.sendError(c, msg.ID, "connection not initialised")
			return true
		}
		c.closeWith(closeUnauthorized, "Unauthorized")
		return false
	}
	if msg.ID == "" {
		return h.rejectInvalid(c, "Subscribe message requires an id")
	}
	if _, exists := c.operations[msg.ID]; exists {
		if c.conn.Legacy {
			h.sendError(c, msg.ID, fmt.Sprintf("subscriber for %s already exists", msg.ID))
			return true
		}
		c.closeWith(closeDuplicateID, fmt.Sprintf("Subscriber for %s already exists", msg.ID))
		return false
	}

	var op common.Operation
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &op); err != nil {
			h.sendError(c, msg.ID, fmt.Sprintf("invalid subscribe payload: %v", err))
			return true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	it, err := h.config.Engine.Execute(ctx, dispatch.Request{
		OperationID: msg.ID,
		Operation:   op,
		Connection:  c.conn,
		Mode:        dispatch.ModeSubscribe,
	})
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection", c.conn.ID).
			Str("operation", msg.ID).
			Msg("Subscription rejected")
		h.sendError(c, msg.ID, err.Error())
		return true
	}
	if it != nil {
		it.Close()
	}

	c.operations[msg.ID] = struct{}{}
	log.Debug().
		Str("connection", c.conn.ID).
		Str("operation", msg.ID).
		Strs("events", op.Events).
		Msg("Subscription registered")
	return true
}

func (h *Hub) stop(c *client, operationID string) {
	if _, exists := c.operations[operationID]; !exists {
		return
	}
	delete(c.operations, operationID)

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.config.Connections.DeleteSubscription(ctx, c.conn.ID, operationID); err != nil {
		log.Warn().
			Err(err).
			Str("connection", c.conn.ID).
			Str("operation", operationID).
			Msg("Failed to delete subscription")
	}

	// Legacy clients expect the server to confirm a stop
	if c.conn.Legacy {
		c.write(wire.OutboundMessage{ID: operationID, Type: c.vocab.Complete})
	}
}

func (h *Hub) sendError(c *client, operationID, message string) {
	var payload interface{} = []wire.ErrorPayload{{Message: message}}
	if c.conn.Legacy {
		payload = wire.ErrorPayload{Message: message}
	}
	c.write(wire.OutboundMessage{ID: operationID, Type: c.vocab.Error, Payload: payload})
}
