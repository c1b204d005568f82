// Package notify wakes change-log consumers as soon as records are appended,
// so the worker does not have to wait for its next poll tick.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// defaultSignalBufferSize is the buffer size for append signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send);
// a dropped signal only delays a consumer until its next poll.
const defaultSignalBufferSize = 16

// Signal announces that a log advanced to Seq
type Signal struct {
	Topic string
	Seq   uint64
}

// Filter selects topics by glob pattern. Empty matches every topic.
type Filter struct {
	Topics []string
}

type subscription struct {
	id       uint64
	patterns []glob.Glob
	ch       chan Signal
	closed   atomic.Bool
}

func (s *subscription) matches(topic string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if p.Match(topic) {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe fan-out point for append signals
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers without blocking.
func (h *Hub) Signal(topic string, seq uint64) {
	signal := Signal{Topic: topic, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(topic) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its buffered signal channel
// and an idempotent cancel function. Invalid patterns are ignored with a
// warning; if none survive the subscriber matches nothing.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan Signal, defaultSignalBufferSize),
	}

	valid := 0
	for _, pattern := range filter.Topics {
		g, err := glob.Compile(pattern)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Ignoring invalid topic pattern")
			continue
		}
		sub.patterns = append(sub.patterns, g)
		valid++
	}
	if len(filter.Topics) > 0 && valid == 0 {
		sub.patterns = []glob.Glob{matchNothing{}}
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

type matchNothing struct{}

func (matchNothing) Match(string) bool { return false }
