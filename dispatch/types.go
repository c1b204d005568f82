package dispatch

import (
	"context"
	"errors"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/source"
	"github.com/maxpert/fanout/wire"
)

// ErrConnectionGone is returned by a Sender when the target connection no
// longer exists.
var ErrConnectionGone = errors.New("connection gone")

// Pages is a lazy, finite sequence of subscriber pages. Next fetches the
// following page and may block on I/O; it returns false when the sequence is
// exhausted or failed, in which case Err reports the failure.
type Pages interface {
	Next(ctx context.Context) bool
	Page() []common.Subscriber
	Err() error
}

// Registry resolves the subscribers of an event name. Each call starts a
// fresh page sequence.
type Registry interface {
	SubscribersByEvent(ctx context.Context, eventName string) Pages
}

// Mode tells the execution engine why it is being invoked.
type Mode uint8

const (
	// ModeSubscribe validates and registers a new subscription.
	ModeSubscribe Mode = iota
	// ModeDeliver replays an event for an existing subscription. The engine
	// must not register anything in this mode.
	ModeDeliver
)

func (m Mode) String() string {
	if m == ModeDeliver {
		return "deliver"
	}
	return "subscribe"
}

// Request is a single execution engine invocation.
type Request struct {
	OperationID string
	Operation   common.Operation
	Connection  common.Connection
	Source      source.EventSource
	Mode        Mode
}

// Engine executes an operation against an event source. A non-nil error
// means the operation could not start.
type Engine interface {
	Execute(ctx context.Context, req Request) (source.Iterator, error)
}

// Sender delivers a message to a connection. It returns an error wrapping
// ErrConnectionGone when the connection is stale.
type Sender interface {
	Send(ctx context.Context, conn common.Connection, msg wire.OutboundMessage) error
}
