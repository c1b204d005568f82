package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/wire"
)

// MockSender records messages for inspection in tests
type MockSender struct {
	Messages []MockMessage
	// Gone lists connection ids that report ErrConnectionGone
	Gone map[string]bool
	// SendErr fails every send when set
	SendErr error
	mu      sync.Mutex
}

// MockMessage is one recorded send
type MockMessage struct {
	Connection common.Connection
	Message    wire.OutboundMessage
}

// Send records msg, or fails for connections marked gone
func (m *MockSender) Send(_ context.Context, conn common.Connection, msg wire.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return m.SendErr
	}
	if m.Gone[conn.ID] {
		return fmt.Errorf("%w: %s", dispatch.ErrConnectionGone, conn.ID)
	}

	m.Messages = append(m.Messages, MockMessage{Connection: conn, Message: msg})
	return nil
}

// For returns the messages sent to one connection
func (m *MockSender) For(connectionID string) []wire.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []wire.OutboundMessage
	for _, msg := range m.Messages {
		if msg.Connection.ID == connectionID {
			out = append(out, msg.Message)
		}
	}
	return out
}

// Count returns the number of recorded messages
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// Reset clears all recorded messages
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
