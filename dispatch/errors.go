package dispatch

import "fmt"

// ExecutionStartError reports an operation the engine could not start.
type ExecutionStartError struct {
	OperationID string
	Err         error
}

func (e *ExecutionStartError) Error() string {
	return fmt.Sprintf("operation %s failed to start: %v", e.OperationID, e.Err)
}

func (e *ExecutionStartError) Unwrap() error { return e.Err }

// ExecutionValueError reports a failure while pulling the first value.
type ExecutionValueError struct {
	OperationID string
	Err         error
}

func (e *ExecutionValueError) Error() string {
	return fmt.Sprintf("operation %s failed to produce a value: %v", e.OperationID, e.Err)
}

func (e *ExecutionValueError) Unwrap() error { return e.Err }

// DeliveryError reports a failed push to a connection.
type DeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s failed: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RegistryError reports that subscribers for an event could not be resolved.
// It is the only dispatch failure that escapes to the caller.
type RegistryError struct {
	Event string
	Err   error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("failed to resolve subscribers for %s: %v", e.Event, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }
