// Package source defines the pull-based event capability the execution engine
// consumes, and the one-shot Single source used to replay one change-log
// event through the live-subscription execution path.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/maxpert/fanout/record"
)

// ErrSourceConsumed is returned when a single-use source is subscribed twice.
var ErrSourceConsumed = errors.New("event source already consumed")

// Iterator is a lazy, finite, non-restartable sequence of values.
// Next returns ok=false once the sequence is exhausted.
type Iterator interface {
	Next(ctx context.Context) (value interface{}, ok bool, err error)
	Close() error
}

// EventSource hands out an Iterator over the values published under any of
// the requested event names.
type EventSource interface {
	Subscribe(ctx context.Context, names ...string) (Iterator, error)
}

// Single wraps exactly one SubscriptionEvent. It can be subscribed once and
// its iterator yields at most one value.
type Single struct {
	event record.SubscriptionEvent
	used  atomic.Bool
}

// NewSingle creates a single-use source for evt.
func NewSingle(evt record.SubscriptionEvent) *Single {
	return &Single{event: evt}
}

// Subscribe returns an iterator that yields the wrapped payload if the event
// name is one of names, and nothing otherwise.
func (s *Single) Subscribe(ctx context.Context, names ...string) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrSourceConsumed
	}

	matched := false
	for _, name := range names {
		if name == s.event.Name {
			matched = true
			break
		}
	}

	return &singleIterator{event: s.event, pending: matched}, nil
}

type singleIterator struct {
	event   record.SubscriptionEvent
	pending bool
}

func (it *singleIterator) Next(ctx context.Context) (interface{}, bool, error) {
	if !it.pending {
		return nil, false, nil
	}
	it.pending = false

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	payload, err := DecodePayload(it.event.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("event %s: %w", it.event.Name, err)
	}
	return payload, true, nil
}

func (it *singleIterator) Close() error {
	it.pending = false
	return nil
}

// DecodePayload performs the second decode step for payloads stored as a
// serialized JSON string. Structured payloads are returned unchanged.
func DecodePayload(payload interface{}) (interface{}, error) {
	var raw []byte
	switch p := payload.(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		return payload, nil
	}

	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

// Empty returns an iterator with no values.
func Empty() Iterator {
	return &singleIterator{}
}
