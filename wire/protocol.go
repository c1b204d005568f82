// Package wire holds the WebSocket sub-protocol vocabularies spoken by
// subscription clients and the message envelope pushed to them.
//
// Two protocols are supported: the current graphql-transport-ws protocol and
// the legacy subscriptions-transport-ws protocol (negotiated as "graphql-ws").
// A connection's stored legacy flag picks one of them once per dispatch.
package wire

// Protocol is a closed choice of client protocol.
type Protocol uint8

const (
	ProtocolCurrent Protocol = iota
	ProtocolLegacy
)

// Sub-protocol names negotiated in the WebSocket handshake.
const (
	SubprotocolCurrent = "graphql-transport-ws"
	SubprotocolLegacy  = "graphql-ws"
)

// Vocabulary is the set of message type tags a protocol uses.
// Tags a protocol lacks are left empty.
type Vocabulary struct {
	Subprotocol string

	// client -> server
	ConnectionInit string
	Subscribe      string
	Stop           string
	Terminate      string
	Ping           string

	// server -> client
	ConnectionAck   string
	ConnectionError string
	Data            string
	Error           string
	Complete        string
	KeepAlive       string
	Pong            string
}

var currentVocabulary = Vocabulary{
	Subprotocol:    SubprotocolCurrent,
	ConnectionInit: "connection_init",
	Subscribe:      "subscribe",
	Stop:           "complete",
	Ping:           "ping",
	ConnectionAck:  "connection_ack",
	Data:           "next",
	Error:          "error",
	Complete:       "complete",
	Pong:           "pong",
}

var legacyVocabulary = Vocabulary{
	Subprotocol:     SubprotocolLegacy,
	ConnectionInit:  "connection_init",
	Subscribe:       "start",
	Stop:            "stop",
	Terminate:       "connection_terminate",
	ConnectionAck:   "connection_ack",
	ConnectionError: "connection_error",
	Data:            "data",
	Error:           "error",
	Complete:        "complete",
	KeepAlive:       "ka",
}

// ForConnection selects the protocol from a connection's legacy flag.
func ForConnection(legacy bool) Protocol {
	if legacy {
		return ProtocolLegacy
	}
	return ProtocolCurrent
}

// FromSubprotocol maps a negotiated sub-protocol name to a Protocol.
// Anything other than the legacy name is treated as current.
func FromSubprotocol(name string) Protocol {
	if name == SubprotocolLegacy {
		return ProtocolLegacy
	}
	return ProtocolCurrent
}

// Vocabulary returns the message tags of p. Unknown values fall back to the
// current protocol.
func (p Protocol) Vocabulary() Vocabulary {
	if p == ProtocolLegacy {
		return legacyVocabulary
	}
	return currentVocabulary
}

// Legacy reports whether p is the legacy protocol.
func (p Protocol) Legacy() bool {
	return p == ProtocolLegacy
}

func (p Protocol) String() string {
	return p.Vocabulary().Subprotocol
}

// Select is the protocol vocabulary lookup used when formatting deliveries.
func Select(legacy bool) Vocabulary {
	return ForConnection(legacy).Vocabulary()
}

// Subprotocols lists the names offered during the WebSocket handshake,
// preferred first.
func Subprotocols() []string {
	return []string{SubprotocolCurrent, SubprotocolLegacy}
}
