// Package delivery routes outbound messages to the gateway node that holds
// the target connection.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/wire"
	"github.com/nats-io/nats.go"
)

// Replies sent back by the gateway responder
const (
	ReplyOK   = "ok"
	ReplyGone = "gone"
)

const DefaultTimeout = 2 * time.Second

// Subject returns the request subject for a connection
func Subject(prefix, connectionID string) string {
	return prefix + "." + connectionID
}

// NatsSender delivers messages with NATS request/reply. Each gateway node
// subscribes to the subjects of the connections it holds, so a missing
// responder means the connection is gone.
type NatsSender struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	owned   bool
}

var _ dispatch.Sender = (*NatsSender)(nil)

// NewNatsSender connects to url and returns a sender owning the connection
func NewNatsSender(url, prefix string, timeout time.Duration) (*NatsSender, error) {
	if url == "" {
		return nil, fmt.Errorf("nats delivery requires url")
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := NewNatsSenderWithConn(nc, prefix, timeout)
	s.owned = true
	return s, nil
}

// NewNatsSenderWithConn shares an existing connection
func NewNatsSenderWithConn(nc *nats.Conn, prefix string, timeout time.Duration) *NatsSender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NatsSender{nc: nc, prefix: prefix, timeout: timeout}
}

// Send implements dispatch.Sender
func (s *NatsSender) Send(ctx context.Context, conn common.Connection, msg wire.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	subject := Subject(s.prefix, conn.ID)
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.nc.RequestWithContext(reqCtx, subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: no gateway holds %s", dispatch.ErrConnectionGone, conn.ID)
	}
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", subject, err)
	}

	switch string(reply.Data) {
	case ReplyOK:
		return nil
	case ReplyGone:
		return fmt.Errorf("%w: %s", dispatch.ErrConnectionGone, conn.ID)
	default:
		return fmt.Errorf("gateway rejected message for %s: %s", conn.ID, reply.Data)
	}
}

// Close closes the NATS connection if the sender created it
func (s *NatsSender) Close() error {
	if s.owned && s.nc != nil {
		s.nc.Close()
	}
	return nil
}
