package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/record"
	"github.com/maxpert/fanout/source"
	"github.com/maxpert/fanout/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations for testing

type mockPages struct {
	pages    [][]common.Subscriber
	failAt   int // page index whose fetch fails, -1 for never
	pos      int
	current  []common.Subscriber
	err      error
	onFetch  func(index int)
	fetchErr error
}

func (m *mockPages) Next(ctx context.Context) bool {
	if m.err != nil || m.pos >= len(m.pages) {
		return false
	}
	if m.onFetch != nil {
		m.onFetch(m.pos)
	}
	if m.pos == m.failAt {
		m.err = m.fetchErr
		return false
	}
	m.current = m.pages[m.pos]
	m.pos++
	return true
}

func (m *mockPages) Page() []common.Subscriber { return m.current }
func (m *mockPages) Err() error                { return m.err }

type mockRegistry struct {
	mu      sync.Mutex
	pages   [][]common.Subscriber
	failAt  int
	onFetch func(index int)
	calls   []string
}

func (m *mockRegistry) SubscribersByEvent(ctx context.Context, eventName string) Pages {
	m.mu.Lock()
	m.calls = append(m.calls, eventName)
	m.mu.Unlock()
	return &mockPages{
		pages:    m.pages,
		failAt:   m.failAt,
		onFetch:  m.onFetch,
		fetchErr: fmt.Errorf("registry unavailable"),
	}
}

type countingIterator struct {
	inner   source.Iterator
	pulls   *atomic.Int32
	onClose string // "", "error" or "panic"
}

func (c *countingIterator) Next(ctx context.Context) (interface{}, bool, error) {
	c.pulls.Add(1)
	return c.inner.Next(ctx)
}

func (c *countingIterator) Close() error {
	switch c.onClose {
	case "panic":
		panic("close blew up")
	case "error":
		return fmt.Errorf("close failed")
	}
	return c.inner.Close()
}

// mockEngine subscribes the source to the operation's events. Behaviour can
// be overridden per operation id.
type mockEngine struct {
	startErr map[string]error
	valueErr map[string]error
	panics   map[string]bool
	onClose  map[string]string
	pulls    atomic.Int32
	modes    sync.Map // operation id -> Mode
}

type failingIterator struct{ err error }

func (f failingIterator) Next(ctx context.Context) (interface{}, bool, error) { return nil, false, f.err }
func (f failingIterator) Close() error                                        { return nil }

func (m *mockEngine) Execute(ctx context.Context, req Request) (source.Iterator, error) {
	m.modes.Store(req.OperationID, req.Mode)
	if m.panics[req.OperationID] {
		panic("resolver blew up")
	}
	if err := m.startErr[req.OperationID]; err != nil {
		return nil, err
	}
	if err := m.valueErr[req.OperationID]; err != nil {
		return failingIterator{err: err}, nil
	}
	it, err := req.Source.Subscribe(ctx, req.Operation.Events...)
	if err != nil {
		return nil, err
	}
	return &countingIterator{inner: it, pulls: &m.pulls, onClose: m.onClose[req.OperationID]}, nil
}

type sentMessage struct {
	conn common.Connection
	msg  wire.OutboundMessage
}

type mockSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	failFor  map[string]error
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *mockSender) Send(ctx context.Context, conn common.Connection, msg wire.OutboundMessage) error {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if err := m.failFor[conn.ID]; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{conn: conn, msg: msg})
	return nil
}

func (m *mockSender) messagesFor(connID string) []wire.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.OutboundMessage
	for _, s := range m.sent {
		if s.conn.ID == connID {
			out = append(out, s.msg)
		}
	}
	return out
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func subscriber(connID, opID string, legacy bool, events ...string) common.Subscriber {
	return common.Subscriber{
		Connection:  common.Connection{ID: connID, Legacy: legacy},
		OperationID: opID,
		Operation:   common.Operation{Events: events},
	}
}

func noteAdded() record.SubscriptionEvent {
	return record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: map[string]interface{}{"id": 1}}
}

func newTestDispatcher(t *testing.T, reg Registry, eng Engine, snd Sender) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{Registry: reg, Engine: eng, Sender: snd})
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"missing registry", Config{Engine: &mockEngine{}, Sender: &mockSender{}}},
		{"missing engine", Config{Registry: &mockRegistry{}, Sender: &mockSender{}}},
		{"missing sender", Config{Registry: &mockRegistry{}, Engine: &mockEngine{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDispatcher(tc.config)
			assert.Error(t, err)
		})
	}
}

func TestDispatch_DeliversAndFilters(t *testing.T) {
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{{
		subscriber("c1", "s1", false, "NOTE_ADDED"),
		subscriber("c2", "s2", false, "NOTE_REMOVED"),
	}}}
	eng := &mockEngine{}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, eng, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 1, report.Count(OutcomeDelivered))
	assert.Equal(t, 1, report.Count(OutcomeFiltered))
	assert.Equal(t, []string{"NOTE_ADDED"}, reg.calls)

	msgs := snd.messagesFor("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ID)
	assert.Equal(t, "next", msgs[0].Type)
	assert.Equal(t, map[string]interface{}{"id": 1}, msgs[0].Payload)
	assert.Empty(t, snd.messagesFor("c2"))
}

func TestDispatch_ProtocolSelectsDataTag(t *testing.T) {
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{{
		subscriber("current", "s1", false, "NOTE_ADDED"),
		subscriber("legacy", "s2", true, "NOTE_ADDED"),
	}}}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, &mockEngine{}, snd)

	_, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	require.Len(t, snd.messagesFor("current"), 1)
	require.Len(t, snd.messagesFor("legacy"), 1)
	assert.Equal(t, "next", snd.messagesFor("current")[0].Type)
	assert.Equal(t, "data", snd.messagesFor("legacy")[0].Type)
}

func TestDispatch_UsesDeliverMode(t *testing.T) {
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{{subscriber("c1", "s1", false, "NOTE_ADDED")}}}
	eng := &mockEngine{}
	d := newTestDispatcher(t, reg, eng, &mockSender{})

	_, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	mode, ok := eng.modes.Load("s1")
	require.True(t, ok)
	assert.Equal(t, ModeDeliver, mode)
}

func TestDispatch_CloseFailureKeepsDeliveredOutcome(t *testing.T) {
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{{
		subscriber("c1", "s1", false, "NOTE_ADDED"),
		subscriber("c2", "s2", false, "NOTE_ADDED"),
	}}}
	eng := &mockEngine{onClose: map[string]string{"s1": "panic", "s2": "error"}}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, eng, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Count(OutcomeDelivered))
	assert.Empty(t, report.Failures())
	assert.Equal(t, 2, snd.count())
}

func TestDispatch_FailuresAreIsolated(t *testing.T) {
	gone := fmt.Errorf("send: %w", ErrConnectionGone)
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{
		{
			subscriber("c1", "start", false, "NOTE_ADDED"),
			subscriber("c2", "value", false, "NOTE_ADDED"),
			subscriber("c3", "ok1", false, "NOTE_ADDED"),
			subscriber("c4", "boom", false, "NOTE_ADDED"),
		},
		{
			subscriber("c5", "gone", false, "NOTE_ADDED"),
			subscriber("c6", "ok2", true, "NOTE_ADDED"),
		},
	}}
	eng := &mockEngine{
		startErr: map[string]error{"start": errors.New("validation failed")},
		valueErr: map[string]error{"value": errors.New("resolver failed")},
		panics:   map[string]bool{"boom": true},
	}
	snd := &mockSender{failFor: map[string]error{"c5": gone}}
	d := newTestDispatcher(t, reg, eng, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Pages)
	require.Len(t, report.Outcomes, 6)
	assert.Equal(t, 2, report.Count(OutcomeDelivered))
	assert.Equal(t, 2, report.Count(OutcomeStartFailed))
	assert.Equal(t, 1, report.Count(OutcomeValueFailed))
	assert.Equal(t, 1, report.Count(OutcomeDeliveryFailed))
	assert.Len(t, report.Failures(), 4)

	assert.Len(t, snd.messagesFor("c3"), 1)
	assert.Len(t, snd.messagesFor("c6"), 1)

	byOp := map[string]Outcome{}
	for _, o := range report.Outcomes {
		byOp[o.OperationID] = o
	}

	var startErr *ExecutionStartError
	assert.ErrorAs(t, byOp["start"].Err, &startErr)
	assert.ErrorAs(t, byOp["boom"].Err, &startErr)

	var valueErr *ExecutionValueError
	assert.ErrorAs(t, byOp["value"].Err, &valueErr)

	var deliveryErr *DeliveryError
	assert.ErrorAs(t, byOp["gone"].Err, &deliveryErr)
	assert.ErrorIs(t, byOp["gone"].Err, ErrConnectionGone)
	assert.Equal(t, "c5", deliveryErr.ConnectionID)
}

func TestDispatch_PullsAtMostOnce(t *testing.T) {
	var page []common.Subscriber
	for i := 0; i < 10; i++ {
		page = append(page, subscriber(fmt.Sprintf("c%d", i), fmt.Sprintf("s%d", i), false, "NOTE_ADDED"))
	}
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{page}}
	eng := &mockEngine{}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, eng, snd)

	_, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	assert.Equal(t, int32(10), eng.pulls.Load())
	for i := 0; i < 10; i++ {
		assert.Len(t, snd.messagesFor(fmt.Sprintf("c%d", i)), 1)
	}
}

func TestDispatch_PagesAreSequentialAndBounded(t *testing.T) {
	const pageSize = 5
	var pages [][]common.Subscriber
	for p := 0; p < 3; p++ {
		var page []common.Subscriber
		for i := 0; i < pageSize; i++ {
			id := fmt.Sprintf("c%d-%d", p, i)
			page = append(page, subscriber(id, id, false, "NOTE_ADDED"))
		}
		pages = append(pages, page)
	}

	snd := &mockSender{delay: 20 * time.Millisecond}
	var overlapped atomic.Bool
	reg := &mockRegistry{
		failAt: -1,
		pages:  pages,
		onFetch: func(int) {
			if snd.inflight.Load() != 0 {
				overlapped.Store(true)
			}
		},
	}
	d := newTestDispatcher(t, reg, &mockEngine{}, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 15, snd.count())
	assert.False(t, overlapped.Load(), "next page requested while deliveries were in flight")
	assert.LessOrEqual(t, snd.maxSeen.Load(), int32(pageSize))
	assert.Greater(t, snd.maxSeen.Load(), int32(1), "subscribers within a page should run concurrently")
}

func TestDispatch_RegistryFailurePropagates(t *testing.T) {
	reg := &mockRegistry{
		failAt: 1,
		pages: [][]common.Subscriber{
			{subscriber("c1", "s1", false, "NOTE_ADDED")},
			{subscriber("c2", "s2", false, "NOTE_ADDED")},
		},
	}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, &mockEngine{}, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.Error(t, err)

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "NOTE_ADDED", regErr.Event)

	// The first page was still delivered before the failure.
	assert.Equal(t, 1, report.Pages)
	assert.Len(t, snd.messagesFor("c1"), 1)
}

func TestDispatch_NoSubscribers(t *testing.T) {
	reg := &mockRegistry{failAt: -1}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, &mockEngine{}, snd)

	report, err := d.Dispatch(context.Background(), noteAdded())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pages)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, 0, snd.count())
}

func TestDispatch_RepeatedDispatchDeliversAgain(t *testing.T) {
	reg := &mockRegistry{failAt: -1, pages: [][]common.Subscriber{{subscriber("c1", "s1", false, "NOTE_ADDED")}}}
	snd := &mockSender{}
	d := newTestDispatcher(t, reg, &mockEngine{}, snd)

	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(context.Background(), noteAdded())
		require.NoError(t, err)
	}
	assert.Len(t, snd.messagesFor("c1"), 2)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "delivery_failed", OutcomeDeliveryFailed.String())
	assert.False(t, OutcomeFiltered.Failed())
	assert.True(t, OutcomeValueFailed.Failed())
}
