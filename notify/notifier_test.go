package notify

import (
	"sync"
	"testing"
	"time"
)

func expectSignal(t *testing.T, signals <-chan Signal, topic string, seq uint64) {
	t.Helper()
	select {
	case sig := <-signals:
		if sig.Topic != topic || sig.Seq != seq {
			t.Errorf("expected (%s, %d), got (%s, %d)", topic, seq, sig.Topic, sig.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for signal (%s, %d)", topic, seq)
	}
}

func expectNoSignal(t *testing.T, signals <-chan Signal) {
	t.Helper()
	select {
	case sig, ok := <-signals:
		if ok {
			t.Errorf("unexpected signal (%s, %d)", sig.Topic, sig.Seq)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SubscribeAllTopics(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("changelog", 1)
	hub.Signal("other", 2)

	expectSignal(t, signals, "changelog", 1)
	expectSignal(t, signals, "other", 2)
}

func TestHub_GlobFilter(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{Topics: []string{"changelog.*"}})
	defer cancel()

	hub.Signal("changelog.local", 1)
	hub.Signal("metrics", 2)
	hub.Signal("changelog.remote", 3)

	expectSignal(t, signals, "changelog.local", 1)
	expectSignal(t, signals, "changelog.remote", 3)
	expectNoSignal(t, signals)
}

func TestHub_InvalidPatternMatchesNothing(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{Topics: []string{"[unclosed"}})
	defer cancel()

	hub.Signal("changelog", 1)
	expectNoSignal(t, signals)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	hub.Signal("changelog", 1)
	expectSignal(t, signals, "changelog", 1)

	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Signalling after cancel and cancelling twice are both safe
	hub.Signal("changelog", 2)
	cancel()

	if len(hub.subscriptions) != 0 {
		t.Errorf("expected no subscriptions, got %d", len(hub.subscriptions))
	}
}

func TestHub_BufferOverflowDoesNotBlock(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSignalBufferSize*2; i++ {
			hub.Signal("changelog", uint64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked on a full subscriber")
	}

	if got := len(signals); got != defaultSignalBufferSize {
		t.Errorf("expected %d buffered signals, got %d", defaultSignalBufferSize, got)
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const subscribers = 10
	const numSignals = 100

	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signals, cancel := hub.Subscribe(Filter{Topics: []string{"changelog"}})
			defer cancel()

			timeout := time.After(2 * time.Second)
			for received := 0; received < numSignals; {
				select {
				case <-signals:
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal("changelog", uint64(i))
		}
	}()

	wg.Wait()
}
