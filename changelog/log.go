// Package changelog is the host runtime that feeds the stream processor.
//
// Log is a Pebble-backed append-only log of change records with one durable
// cursor per consumer. A Worker reads batches from a Source (the local Log,
// NATS JetStream or Kafka), hands them to a Handler and acknowledges them
// only after the handler succeeded. A failed batch is retried as a whole, so
// delivery is at-least-once.
package changelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/record"
	"github.com/rs/zerolog/log"
)

// Topic is the notify topic signalled on every append
const Topic = "changelog"

// ErrLogClosed is returned by every operation on a closed Log
var ErrLogClosed = errors.New("change log is closed")

// Key prefixes for Pebble storage
const (
	prefixRecord = "/log/"    // /log/{16-digit-hex-seq}
	prefixCursor = "/cursor/" // /cursor/{consumer}
	keySeq       = "/seq"     // /seq -> uint64 (last assigned sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const defaultReadLimit = 100

// Notifier is told about every successful append
type Notifier interface {
	Signal(topic string, seq uint64)
}

// Log is a durable, ordered log of change records
type Log struct {
	db       *pebble.DB
	path     string
	notifier Notifier

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Serializes appends so sequence numbers are gap free
	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenLog creates or opens the change log under dataDir. notifier may be nil.
func OpenLog(dataDir string, notifier Notifier) (*Log, error) {
	logPath := filepath.Join(dataDir, "changelog")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log at %s: %w", logPath, err)
	}

	l := &Log{
		db:       db,
		path:     logPath,
		notifier: notifier,
		cursors:  make(map[string]uint64),
	}

	if err := l.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := l.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return l, nil
}

func (l *Log) loadLastSeq() error {
	val, closer, err := l.db.Get([]byte(keySeq))
	if err == pebble.ErrNotFound {
		l.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	l.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (l *Log) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		consumer := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for consumer %s: invalid length %d", consumer, len(val))
		}
		l.cursors[consumer] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(l.cursors) > 0 {
		log.Info().Int("cursors", len(l.cursors)).Msg("Loaded change log cursors")
	}
	return nil
}

// Append stores records in order and assigns their sequence numbers. A zero
// CreatedAt is stamped with the current time. The input slice is modified.
func (l *Log) Append(records []record.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrLogClosed
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.lastSeq.Load()
	now := time.Now().UnixNano()

	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range records {
		seq++
		records[i].SeqNum = seq
		if records[i].CreatedAt == 0 {
			records[i].CreatedAt = now
		}

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := batch.Set([]byte(formatRecordKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	l.lastSeq.Store(seq)

	if l.notifier != nil {
		l.notifier.Signal(Topic, seq)
	}
	return nil
}

// ReadFrom returns up to limit records with a sequence number greater than cursor
func (l *Log) ReadFrom(cursor uint64, limit int) ([]record.ChangeRecord, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatRecordKey(cursor + 1))
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixRecord)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]record.ChangeRecord, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec record.ChangeRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal change record")
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return records, nil
}

// LastSeq returns the sequence number of the newest record
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// GetCursor returns the last acknowledged sequence number of consumer
func (l *Log) GetCursor(consumer string) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrLogClosed
	}

	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()
	return l.cursors[consumer], nil
}

// AdvanceCursor persists the consumer position and periodically trims
// records every consumer has acknowledged.
func (l *Log) AdvanceCursor(consumer string, seq uint64) error {
	if l.closed.Load() {
		return ErrLogClosed
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := l.db.Set([]byte(prefixCursor+consumer), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	l.cursorsMu.Lock()
	prev := l.cursors[consumer]
	l.cursors[consumer] = seq
	l.cursorsMu.Unlock()

	// Cleanup runs whenever a cursor crosses a 128 record boundary
	if seq>>7 != prev>>7 {
		if l.cleanupRunning.CompareAndSwap(false, true) {
			l.cleanupWg.Add(1)
			go l.cleanupAsync()
		}
	}

	return nil
}

// Lag reports, per consumer, how many records it has not acknowledged yet
func (l *Log) Lag() map[string]uint64 {
	last := l.lastSeq.Load()

	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()

	lag := make(map[string]uint64, len(l.cursors))
	for consumer, cursor := range l.cursors {
		if cursor >= last {
			lag[consumer] = 0
			continue
		}
		lag[consumer] = last - cursor
	}
	return lag
}

// cleanup deletes records at or below the minimum cursor
func (l *Log) cleanup() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.closed.Load() {
		return
	}

	l.cursorsMu.RLock()
	if len(l.cursors) == 0 {
		l.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range l.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	l.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	start := []byte(prefixRecord)
	end := []byte(formatRecordKey(minCursor + 1))
	if err := l.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to trim change log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Trimmed change log")
}

func (l *Log) cleanupAsync() {
	defer l.cleanupWg.Done()
	defer l.cleanupRunning.Store(false)
	l.cleanup()
}

// Close waits for in-flight cleanup and closes the database
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	l.cleanupWg.Wait()
	return l.db.Close()
}

func formatRecordKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixRecord, seq)
}

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
