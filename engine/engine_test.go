package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/record"
	"github.com/maxpert/fanout/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRegistrar struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRegistrar) PutSubscription(_ context.Context, connectionID, operationID string, _ common.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, connectionID+"/"+operationID)
	return r.err
}

func deliver(t *testing.T, e *Engine, op common.Operation, evt record.SubscriptionEvent) (interface{}, bool, error) {
	t.Helper()
	it, err := e.Execute(context.Background(), dispatch.Request{
		OperationID: "op-1",
		Operation:   op,
		Connection:  common.Connection{ID: "conn-1"},
		Source:      source.NewSingle(evt),
		Mode:        dispatch.ModeDeliver,
	})
	require.NoError(t, err)
	defer it.Close()
	return it.Next(context.Background())
}

func TestExecute_DeliverMatchingEvent(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	v, ok, err := deliver(t, e,
		common.Operation{Events: []string{"NOTE_ADDED"}},
		record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":1}`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"id": float64(1)}, v)
}

func TestExecute_OtherEventYieldsNothing(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	_, ok, err := deliver(t, e,
		common.Operation{Events: []string{"NOTE_REMOVED"}},
		record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":1}`})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecute_FilterWithGlob(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	op := common.Operation{
		Events: []string{"NOTE_ADDED"},
		Filter: map[string]string{"owner.team": "core-*"},
	}

	_, ok, err := deliver(t, e, op, record.SubscriptionEvent{
		Name:    "NOTE_ADDED",
		Payload: `{"id":1,"owner":{"team":"core-db"}}`,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = deliver(t, e, op, record.SubscriptionEvent{
		Name:    "NOTE_ADDED",
		Payload: `{"id":2,"owner":{"team":"web"}}`,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing path never matches
	_, ok, err = deliver(t, e, op, record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":3}`})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecute_FilterWithVariable(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	op := common.Operation{
		Events:    []string{"NOTE_ADDED"},
		Filter:    map[string]string{"board": "$board"},
		Variables: map[string]interface{}{"board": "a*"},
	}

	// Variable values are matched literally, not as patterns
	_, ok, err := deliver(t, e, op, record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"board":"abc"}`})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = deliver(t, e, op, record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"board":"a*"}`})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecute_NumericVariable(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	op := common.Operation{
		Events:    []string{"NOTE_ADDED"},
		Filter:    map[string]string{"id": "$id"},
		Variables: map[string]interface{}{"id": 1},
	}
	_, ok, err := deliver(t, e, op, record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":1}`})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecute_Projection(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	v, ok, err := deliver(t, e,
		common.Operation{Events: []string{"NOTE_ADDED"}, Fields: []string{"id", "owner.name", "missing"}},
		record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":1,"title":"x","owner":{"name":"ann","team":"core"}}`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{
		"id":    float64(1),
		"owner": map[string]interface{}{"name": "ann"},
	}, v)
}

func TestExecute_InvalidPayloadFailsOnPull(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	_, ok, err := deliver(t, e,
		common.Operation{Events: []string{"NOTE_ADDED"}},
		record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: "not json"})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExecute_InvalidOperationDoesNotStart(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		op   common.Operation
	}{
		{"no events", common.Operation{}},
		{"empty event", common.Operation{Events: []string{""}}},
		{"undefined variable", common.Operation{Events: []string{"A"}, Filter: map[string]string{"id": "$id"}}},
		{"bad pattern", common.Operation{Events: []string{"A"}, Filter: map[string]string{"id": "[a"}}},
		{"bad path", common.Operation{Events: []string{"A"}, Fields: []string{"a..b"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), dispatch.Request{
				Operation: tc.op,
				Source:    source.NewSingle(record.SubscriptionEvent{Name: "A"}),
				Mode:      dispatch.ModeDeliver,
			})
			assert.Error(t, err)
			assert.Error(t, e.Validate(tc.op))
		})
	}
}

func TestExecute_DeliverRequiresSource(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), dispatch.Request{
		Operation: common.Operation{Events: []string{"A"}},
		Mode:      dispatch.ModeDeliver,
	})
	assert.Error(t, err)
}

func TestExecute_DeliverNeverRegisters(t *testing.T) {
	reg := &recordingRegistrar{}
	e, err := New(reg, 0)
	require.NoError(t, err)

	_, _, err = deliver(t, e,
		common.Operation{Events: []string{"NOTE_ADDED"}},
		record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{}`})
	require.NoError(t, err)
	assert.Empty(t, reg.calls)
}

func TestExecute_SubscribeRegisters(t *testing.T) {
	reg := &recordingRegistrar{}
	e, err := New(reg, 0)
	require.NoError(t, err)

	it, err := e.Execute(context.Background(), dispatch.Request{
		OperationID: "op-1",
		Operation:   common.Operation{Events: []string{"NOTE_ADDED"}},
		Connection:  common.Connection{ID: "conn-1"},
		Mode:        dispatch.ModeSubscribe,
	})
	require.NoError(t, err)
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"conn-1/op-1"}, reg.calls)
}

func TestExecute_SubscribeFailures(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	req := dispatch.Request{
		OperationID: "op-1",
		Operation:   common.Operation{Events: []string{"NOTE_ADDED"}},
		Connection:  common.Connection{ID: "conn-1"},
		Mode:        dispatch.ModeSubscribe,
	}
	_, err = e.Execute(context.Background(), req)
	assert.Error(t, err, "engine without registrar rejects subscriptions")

	reg := &recordingRegistrar{err: errors.New("disk full")}
	e, err = New(reg, 0)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), req)
	assert.Error(t, err)

	req.OperationID = ""
	_, err = e.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestCompiledOperationsAreCached(t *testing.T) {
	e, err := New(nil, 2)
	require.NoError(t, err)

	op := common.Operation{Events: []string{"A"}, Filter: map[string]string{"id": "1"}}
	require.NoError(t, e.Validate(op))
	assert.Equal(t, 1, e.cache.Len())

	// Same definition, different map instance
	same := common.Operation{Events: []string{"A"}, Filter: map[string]string{"id": "1"}}
	require.NoError(t, e.Validate(same))
	assert.Equal(t, 1, e.cache.Len())

	require.NoError(t, e.Validate(common.Operation{Events: []string{"B"}}))
	require.NoError(t, e.Validate(common.Operation{Events: []string{"C"}}))
	assert.Equal(t, 2, e.cache.Len())
}

func TestExecute_OverlappingProjectionLeavesPayloadIntact(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	payload := map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
	}
	op := common.Operation{Events: []string{"E"}, Fields: []string{"a", "a.b"}}

	v, ok, err := deliver(t, e, op, record.SubscriptionEvent{Name: "E", Payload: payload})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{"b": 1, "c": 2}}, v)

	// Mutating the result must not reach the payload
	v.(map[string]interface{})["a"].(map[string]interface{})["b"] = 99
	assert.Equal(t, 1, payload["a"].(map[string]interface{})["b"])
}

func TestExecute_ConcurrentProjectionOfSharedPayload(t *testing.T) {
	e, err := New(nil, 0)
	require.NoError(t, err)

	payload := map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": []interface{}{map[string]interface{}{"d": 3}}},
	}
	op := common.Operation{Events: []string{"E"}, Fields: []string{"a", "a.b", "a.c"}}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, err := e.Execute(context.Background(), dispatch.Request{
				OperationID: "op-1",
				Operation:   op,
				Connection:  common.Connection{ID: "conn-1"},
				Source:      source.NewSingle(record.SubscriptionEvent{Name: "E", Payload: payload}),
				Mode:        dispatch.ModeDeliver,
			})
			if !assert.NoError(t, err) {
				return
			}
			defer it.Close()
			_, ok, err := it.Next(context.Background())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]interface{}{"b": 1, "c": []interface{}{map[string]interface{}{"d": 3}}}, payload["a"])
}
