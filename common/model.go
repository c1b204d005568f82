package common

// Connection is a live client connection as stored by the connection registry.
// Legacy is the protocol flag; it is treated as immutable for one dispatch.
type Connection struct {
	ID          string `msgpack:"id"`
	Legacy      bool   `msgpack:"legacy"`
	Endpoint    string `msgpack:"endpoint"` // Gateway node holding the socket
	ConnectedAt int64  `msgpack:"connected_at"`
}

// Operation is the stored executable definition of a subscription.
//
// Events lists the event names the operation listens to. Filter maps a dot
// separated payload path to a glob pattern; a pattern of the form "$name" is
// replaced by the variable of that name. Fields, when set, projects the
// payload down to the listed paths.
type Operation struct {
	Events    []string               `msgpack:"events" json:"events"`
	Filter    map[string]string      `msgpack:"filter,omitempty" json:"filter,omitempty"`
	Fields    []string               `msgpack:"fields,omitempty" json:"fields,omitempty"`
	Variables map[string]interface{} `msgpack:"variables,omitempty" json:"variables,omitempty"`
}

// Subscriber is a registered (connection, operation) pair resolved for one
// event. The connection is a borrowed copy; dispatch never mutates it.
type Subscriber struct {
	Connection  Connection
	OperationID string
	Operation   Operation
}
