package registry

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixConn   = "/conn/"   // /conn/{connID} -> Connection
	prefixSub    = "/sub/"    // /sub/{event}\x00{connID}\x00{opID} -> Operation
	prefixSubIdx = "/subidx/" // /subidx/{connID}\x00{opID} -> []event
)

const sep = "\x00"

// PebbleStore is a Store backed by a Pebble database
type PebbleStore struct {
	db       *pebble.DB
	pageSize int

	// Serializes read-modify-write cycles on the subscription index
	writeMu sync.Mutex

	closed atomic.Bool
}

// NewPebbleStore opens or creates a Pebble registry at path
func NewPebbleStore(path string, pageSize int) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry at %s: %w", path, err)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PebbleStore{db: db, pageSize: pageSize}, nil
}

var _ Store = (*PebbleStore)(nil)

func (s *PebbleStore) PutConnection(_ context.Context, conn common.Connection) error {
	if s.closed.Load() {
		return fmt.Errorf("registry is closed")
	}
	if conn.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	val, err := encoding.Marshal(&conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	if err := s.db.Set([]byte(prefixConn+conn.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetConnection(_ context.Context, id string) (common.Connection, error) {
	if s.closed.Load() {
		return common.Connection{}, fmt.Errorf("registry is closed")
	}
	return s.getConnection(id)
}

func (s *PebbleStore) getConnection(id string) (common.Connection, error) {
	var conn common.Connection
	val, closer, err := s.db.Get([]byte(prefixConn + id))
	if err == pebble.ErrNotFound {
		return conn, ErrNotFound
	}
	if err != nil {
		return conn, err
	}
	defer closer.Close()

	if err := encoding.Unmarshal(val, &conn); err != nil {
		return conn, fmt.Errorf("corrupted connection %s: %w", id, err)
	}
	return conn, nil
}

func (s *PebbleStore) DeleteConnection(_ context.Context, id string) error {
	if s.closed.Load() {
		return fmt.Errorf("registry is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := []byte(prefixSubIdx + id + sep)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}

	removed := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		opID := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return err
		}
		var events []string
		if err := encoding.Unmarshal(val, &events); err != nil {
			iter.Close()
			return fmt.Errorf("corrupted subscription index for %s/%s: %w", id, opID, err)
		}
		for _, event := range events {
			if err := batch.Delete(subKey(event, id, opID), nil); err != nil {
				iter.Close()
				return err
			}
		}
		if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			iter.Close()
			return err
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	iter.Close()

	if err := batch.Delete([]byte(prefixConn+id), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	log.Debug().Str("connection", id).Int("subscriptions", removed).Msg("Removed connection from registry")
	return nil
}

func (s *PebbleStore) PutSubscription(_ context.Context, connectionID, operationID string, op common.Operation) error {
	if s.closed.Load() {
		return fmt.Errorf("registry is closed")
	}
	if err := validateSubscription(connectionID, operationID, op); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.getConnection(connectionID); err == ErrNotFound {
		return ErrUnknownConnection
	} else if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	// Replacing an operation id drops the old event keys first
	if err := s.deleteSubscriptionLocked(batch, connectionID, operationID); err != nil {
		return err
	}

	val, err := encoding.Marshal(&op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	events := uniqueEvents(op.Events)
	for _, event := range events {
		if err := batch.Set(subKey(event, connectionID, operationID), val, nil); err != nil {
			return err
		}
	}
	idx, err := encoding.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription index: %w", err)
	}
	if err := batch.Set(subIdxKey(connectionID, operationID), idx, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteSubscription(_ context.Context, connectionID, operationID string) error {
	if s.closed.Load() {
		return fmt.Errorf("registry is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := s.deleteSubscriptionLocked(batch, connectionID, operationID); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) deleteSubscriptionLocked(batch *pebble.Batch, connectionID, operationID string) error {
	key := subIdxKey(connectionID, operationID)
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	var events []string
	err = encoding.Unmarshal(val, &events)
	closer.Close()
	if err != nil {
		return fmt.Errorf("corrupted subscription index for %s/%s: %w", connectionID, operationID, err)
	}

	for _, event := range events {
		if err := batch.Delete(subKey(event, connectionID, operationID), nil); err != nil {
			return err
		}
	}
	return batch.Delete(key, nil)
}

// SubscribersByEvent returns a lazy page sequence over the subscribers of event
func (s *PebbleStore) SubscribersByEvent(_ context.Context, event string) dispatch.Pages {
	prefix := []byte(prefixSub + event + sep)
	return newPager(func(ctx context.Context, after string, limit int) ([]common.Subscriber, string, bool, error) {
		return s.fetchPage(prefix, after, limit)
	}, s.pageSize)
}

func (s *PebbleStore) fetchPage(prefix []byte, after string, limit int) ([]common.Subscriber, string, bool, error) {
	if s.closed.Load() {
		return nil, after, false, fmt.Errorf("registry is closed")
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, after, false, err
	}
	defer iter.Close()

	start := prefix
	if after != "" {
		// First key strictly greater than the continuation key
		start = append([]byte(after), 0)
	}

	page := make([]common.Subscriber, 0, limit)
	last := after
	scanned := 0
	for iter.SeekGE(start); iter.Valid() && scanned < limit; iter.Next() {
		scanned++
		key := iter.Key()
		last = string(key)

		connID, opID, ok := splitSubKey(key[len(prefix):])
		if !ok {
			log.Warn().Str("key", string(key)).Msg("Skipping malformed subscription key")
			continue
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, last, false, err
		}
		var op common.Operation
		if err := encoding.Unmarshal(val, &op); err != nil {
			log.Warn().Err(err).Str("connection", connID).Str("operation", opID).Msg("Skipping corrupted subscription")
			continue
		}

		conn, err := s.getConnection(connID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, last, false, err
		}

		page = append(page, common.Subscriber{Connection: conn, OperationID: opID, Operation: op})
	}
	if err := iter.Error(); err != nil {
		return nil, last, false, err
	}

	return page, last, scanned == limit, nil
}

// Close closes the underlying database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("registry already closed")
	}
	return s.db.Close()
}

func subKey(event, connectionID, operationID string) []byte {
	return []byte(prefixSub + event + sep + connectionID + sep + operationID)
}

func subIdxKey(connectionID, operationID string) []byte {
	return []byte(prefixSubIdx + connectionID + sep + operationID)
}

func splitSubKey(rest []byte) (string, string, bool) {
	i := bytes.IndexByte(rest, 0)
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
