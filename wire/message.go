package wire

import "encoding/json"

// Message is the envelope exchanged with clients. Outbound deliveries use
// ID = operation id, Type = the vocabulary's data tag, Payload = execution result.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is a transient server-to-client push. It is never persisted.
type OutboundMessage struct {
	ID      string      `json:"id,omitempty"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewData builds the data message for an execution result.
func NewData(legacy bool, operationID string, payload interface{}) OutboundMessage {
	return OutboundMessage{
		ID:      operationID,
		Type:    Select(legacy).Data,
		Payload: payload,
	}
}

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}
