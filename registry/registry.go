// Package registry stores live connections and their subscriptions and
// answers paged "who listens to event X" queries for the dispatcher.
//
// Two stores are provided: a Pebble key-value store (the default) and a
// SQLite store built with goqu. Both page with keyset continuation, so a
// page is only materialized when the dispatcher asks for it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
)

// DefaultPageSize is used when a store is opened with a non-positive page size
const DefaultPageSize = 100

var (
	// ErrNotFound is returned when a connection does not exist
	ErrNotFound = errors.New("connection not found")
	// ErrUnknownConnection is returned when subscribing on a connection that was never registered
	ErrUnknownConnection = errors.New("subscription references unknown connection")
)

// Store is the full registry surface used by the gateway and the dispatcher
type Store interface {
	dispatch.Registry

	PutConnection(ctx context.Context, conn common.Connection) error
	GetConnection(ctx context.Context, id string) (common.Connection, error)
	// DeleteConnection removes the connection and every subscription it owns
	DeleteConnection(ctx context.Context, id string) error

	PutSubscription(ctx context.Context, connectionID, operationID string, op common.Operation) error
	DeleteSubscription(ctx context.Context, connectionID, operationID string) error

	Close() error
}

// Open creates the store configured by kind at path.
func Open(kind, path string, pageSize int) (Store, error) {
	switch kind {
	case cfg.RegistryPebble:
		return NewPebbleStore(path, pageSize)
	case cfg.RegistrySQLite:
		return NewSQLiteStore(path, pageSize)
	default:
		return nil, fmt.Errorf("unknown registry type %q", kind)
	}
}

func validateSubscription(connectionID, operationID string, op common.Operation) error {
	if connectionID == "" || operationID == "" {
		return fmt.Errorf("connection and operation ids are required")
	}
	if strings.ContainsRune(connectionID, 0) || strings.ContainsRune(operationID, 0) {
		return fmt.Errorf("ids must not contain NUL bytes")
	}
	if len(op.Events) == 0 {
		return fmt.Errorf("operation must listen to at least one event")
	}
	for _, name := range op.Events {
		if name == "" || strings.ContainsRune(name, 0) {
			return fmt.Errorf("invalid event name %q", name)
		}
	}
	return nil
}

// uniqueEvents drops repeated event names, keeping first occurrence order
func uniqueEvents(events []string) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// fetchFunc loads up to limit subscribers strictly after the continuation
// token. It returns the token of the last row it scanned and whether more
// rows may follow.
type fetchFunc func(ctx context.Context, after string, limit int) (page []common.Subscriber, last string, more bool, err error)

// pager implements dispatch.Pages over a fetchFunc
type pager struct {
	fetch fetchFunc
	limit int
	after string
	done  bool
	page  []common.Subscriber
	err   error
}

func newPager(fetch fetchFunc, limit int) *pager {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return &pager{fetch: fetch, limit: limit}
}

// Next loads the next non-empty page. Rows whose connection vanished are
// dropped by the fetcher, so a scanned page can come back empty; those are
// skipped here.
func (p *pager) Next(ctx context.Context) bool {
	p.page = nil
	for !p.done {
		if err := ctx.Err(); err != nil {
			p.err = err
			p.done = true
			return false
		}

		page, last, more, err := p.fetch(ctx, p.after, p.limit)
		if err != nil {
			p.err = err
			p.done = true
			return false
		}
		p.after = last
		p.done = !more

		if len(page) > 0 {
			p.page = page
			return true
		}
	}
	return false
}

func (p *pager) Page() []common.Subscriber {
	return p.page
}

func (p *pager) Err() error {
	return p.err
}
