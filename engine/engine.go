// Package engine executes stored subscription operations.
//
// An operation names the events it listens to, an optional set of payload
// predicates (glob patterns, optionally bound to variables) and an optional
// projection. In deliver mode the engine subscribes the supplied source to
// the operation's events and yields each payload that passes the predicates.
// In subscribe mode it validates the operation and registers it; it never
// registers anything in deliver mode.
package engine

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/source"
	"github.com/maxpert/fanout/telemetry"
)

// DefaultCacheSize is the number of compiled operations kept when no size is given
const DefaultCacheSize = 1024

// Registrar stores new subscriptions accepted in subscribe mode
type Registrar interface {
	PutSubscription(ctx context.Context, connectionID, operationID string, op common.Operation) error
}

// Engine implements dispatch.Engine
type Engine struct {
	registrar Registrar
	cache     *lru.Cache[uint64, *compiled]
}

var _ dispatch.Engine = (*Engine)(nil)

// New creates an Engine. registrar may be nil for a deliver-only engine.
func New(registrar Registrar, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uint64, *compiled](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation cache: %w", err)
	}
	return &Engine{registrar: registrar, cache: cache}, nil
}

// Validate compiles op and reports any definition error.
func (e *Engine) Validate(op common.Operation) error {
	_, err := e.compiled(op)
	return err
}

// Execute runs req. A non-nil error means the operation did not start.
func (e *Engine) Execute(ctx context.Context, req dispatch.Request) (source.Iterator, error) {
	c, err := e.compiled(req.Operation)
	if err != nil {
		return nil, err
	}

	switch req.Mode {
	case dispatch.ModeDeliver:
		if req.Source == nil {
			return nil, fmt.Errorf("deliver mode requires an event source")
		}
		it, err := req.Source.Subscribe(ctx, c.events...)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to events: %w", err)
		}
		return &resultIterator{inner: it, op: c}, nil

	case dispatch.ModeSubscribe:
		if e.registrar == nil {
			return nil, fmt.Errorf("engine does not accept new subscriptions")
		}
		if req.Connection.ID == "" || req.OperationID == "" {
			return nil, fmt.Errorf("subscription requires connection and operation ids")
		}
		if err := e.registrar.PutSubscription(ctx, req.Connection.ID, req.OperationID, req.Operation); err != nil {
			return nil, fmt.Errorf("failed to register subscription: %w", err)
		}
		if req.Source == nil {
			return source.Empty(), nil
		}
		it, err := req.Source.Subscribe(ctx, c.events...)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to events: %w", err)
		}
		return &resultIterator{inner: it, op: c}, nil

	default:
		return nil, fmt.Errorf("unknown execution mode %d", req.Mode)
	}
}

// compiled returns the cached compiled form of op, compiling it on a miss.
func (e *Engine) compiled(op common.Operation) (*compiled, error) {
	raw, err := encoding.Marshal(&op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}
	key := xxhash.Sum64(raw)

	if c, ok := e.cache.Get(key); ok {
		telemetry.OperationCacheTotal.With("hit").Inc()
		return c, nil
	}
	telemetry.OperationCacheTotal.With("miss").Inc()

	c, err := compile(op)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, c)
	return c, nil
}

// resultIterator applies predicates and projection to source values
type resultIterator struct {
	inner source.Iterator
	op    *compiled
}

func (r *resultIterator) Next(ctx context.Context) (interface{}, bool, error) {
	for {
		value, ok, err := r.inner.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		if r.op.matches(value) {
			return r.op.project(value), true, nil
		}
	}
}

func (r *resultIterator) Close() error {
	return r.inner.Close()
}
