package changelog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/record"
)

// Source yields batches of change records to a Worker.
//
// A batch returned by Fetch stays pending until Ack; fetching again before
// the ack returns the same records, which is how a failed batch is
// redelivered.
type Source interface {
	Name() string
	Fetch(ctx context.Context, max int) ([]record.ChangeRecord, error)
	Ack(ctx context.Context) error
	Close() error
}

// SourceDeps carries what a factory may need to build a source
type SourceDeps struct {
	Config *cfg.Configuration
	Log    *Log
}

// SourceFactory builds a Source from configuration
type SourceFactory func(deps SourceDeps) (Source, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]SourceFactory{}
)

// RegisterSource makes a source type available to NewSource. Registering
// the same type twice panics.
func RegisterSource(kind string, factory SourceFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("change log source %q already registered", kind))
	}
	factories[kind] = factory
}

// NewSource builds the source registered as kind
func NewSource(kind string, deps SourceDeps) (Source, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown change log source %q (registered: %v)", kind, RegisteredSources())
	}
	return factory(deps)
}

// RegisteredSources lists the registered source types
func RegisteredSources() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func init() {
	RegisterSource(cfg.SourceLog, func(deps SourceDeps) (Source, error) {
		if deps.Log == nil {
			return nil, fmt.Errorf("local change log is required")
		}
		consumer := "fanout"
		if deps.Config != nil && deps.Config.ChangeLog.Consumer != "" {
			consumer = deps.Config.ChangeLog.Consumer
		}
		return NewLogSource(deps.Log, consumer)
	})
}

// LogSource reads the local Log under a named consumer cursor
type LogSource struct {
	log      *Log
	consumer string
	cursor   uint64
	pending  []record.ChangeRecord
}

// NewLogSource positions consumer at its saved cursor, or at the oldest
// retained record for a new consumer.
func NewLogSource(l *Log, consumer string) (*LogSource, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}

	cursor, err := l.GetCursor(consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor == 0 {
		earliest, err := l.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest record: %w", err)
		}
		if len(earliest) > 0 {
			cursor = earliest[0].SeqNum - 1
		}
	}

	return &LogSource{log: l, consumer: consumer, cursor: cursor}, nil
}

func (s *LogSource) Name() string {
	return "log:" + s.consumer
}

func (s *LogSource) Fetch(_ context.Context, max int) ([]record.ChangeRecord, error) {
	if len(s.pending) > 0 {
		return s.pending, nil
	}

	records, err := s.log.ReadFrom(s.cursor, max)
	if err != nil {
		return nil, err
	}
	s.pending = records
	return records, nil
}

func (s *LogSource) Ack(_ context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	last := s.pending[len(s.pending)-1].SeqNum
	s.pending = nil
	s.cursor = last
	return s.log.AdvanceCursor(s.consumer, last)
}

// Cursor returns the last acknowledged sequence number
func (s *LogSource) Cursor() uint64 {
	return s.cursor
}

// Close is a no-op; the Log is owned by the caller
func (s *LogSource) Close() error {
	return nil
}
