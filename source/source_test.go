package source

import (
	"context"
	"testing"

	"github.com/maxpert/fanout/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingle_YieldsMatchingEventOnce(t *testing.T) {
	ctx := context.Background()
	src := NewSingle(record.SubscriptionEvent{
		Name:    "NOTE_ADDED",
		Payload: map[string]interface{}{"id": 1},
	})

	it, err := src.Subscribe(ctx, "NOTE_REMOVED", "NOTE_ADDED")
	require.NoError(t, err)
	defer it.Close()

	v, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"id": 1}, v)

	v, ok, err = it.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestSingle_NonMatchingYieldsNothing(t *testing.T) {
	ctx := context.Background()
	src := NewSingle(record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: "{}"})

	it, err := src.Subscribe(ctx, "NOTE_REMOVED")
	require.NoError(t, err)

	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingle_DecodesStringPayload(t *testing.T) {
	ctx := context.Background()
	src := NewSingle(record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: `{"id":1,"title":"milk"}`})

	it, err := src.Subscribe(ctx, "NOTE_ADDED")
	require.NoError(t, err)

	v, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	m, isMap := v.(map[string]interface{})
	require.True(t, isMap)
	assert.Equal(t, float64(1), m["id"])
	assert.Equal(t, "milk", m["title"])
}

func TestSingle_InvalidStringPayload(t *testing.T) {
	ctx := context.Background()
	src := NewSingle(record.SubscriptionEvent{Name: "NOTE_ADDED", Payload: "not json"})

	it, err := src.Subscribe(ctx, "NOTE_ADDED")
	require.NoError(t, err)

	_, ok, err := it.Next(ctx)
	assert.Error(t, err)
	assert.False(t, ok)

	// The failed pull still consumed the single value.
	_, ok, err = it.Next(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSingle_SecondSubscribeFails(t *testing.T) {
	ctx := context.Background()
	src := NewSingle(record.SubscriptionEvent{Name: "NOTE_ADDED"})

	_, err := src.Subscribe(ctx, "NOTE_ADDED")
	require.NoError(t, err)

	_, err = src.Subscribe(ctx, "NOTE_ADDED")
	assert.ErrorIs(t, err, ErrSourceConsumed)
}

func TestSingle_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewSingle(record.SubscriptionEvent{Name: "NOTE_ADDED"})
	_, err := src.Subscribe(ctx, "NOTE_ADDED")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmpty(t *testing.T) {
	_, ok, err := Empty().Next(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodePayload_Structured(t *testing.T) {
	in := map[string]interface{}{"id": 1}
	out, err := DecodePayload(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = DecodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
