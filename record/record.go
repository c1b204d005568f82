// Package record defines the change-log record format consumed by fanout and
// decodes actionable records into subscription events.
//
// A record carries the mutation kind and the attribute-encoded new image of
// the log entry. Only INSERT records produce events; every other kind is
// skipped so that a log entry being modified or expired elsewhere in the
// system never causes a second push of the same logical event.
package record

import (
	"fmt"
	"time"

	"github.com/maxpert/fanout/encoding"
)

// MutationKind is the operation type of a change-log record.
type MutationKind uint8

// Mutation kinds. The zero value is KindOther so that an unset kind is never
// mistaken for an insert.
const (
	KindOther  MutationKind = 0
	KindInsert MutationKind = 1
	KindModify MutationKind = 2
	KindRemove MutationKind = 3
)

// Attribute names read from a record's new image.
const (
	AttrEvent   = "event"
	AttrPayload = "payload"
)

func (k MutationKind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindModify:
		return "MODIFY"
	case KindRemove:
		return "REMOVE"
	default:
		return "OTHER"
	}
}

// ParseKind maps a textual mutation kind to its MutationKind.
// Unknown names map to KindOther.
func ParseKind(s string) MutationKind {
	switch s {
	case "INSERT", "insert":
		return KindInsert
	case "MODIFY", "modify", "UPDATE", "update":
		return KindModify
	case "REMOVE", "remove", "DELETE", "delete":
		return KindRemove
	default:
		return KindOther
	}
}

// Image is an attribute-encoded map: every value is msgpack encoded on its own.
type Image map[string][]byte

// ChangeRecord is one entry of the upstream change log.
type ChangeRecord struct {
	SeqNum    uint64       `msgpack:"seq"`           // Assigned by the change log
	Kind      MutationKind `msgpack:"kind"`          // Mutation kind
	NewImage  Image        `msgpack:"new,omitempty"` // Absent for REMOVE
	OldImage  Image        `msgpack:"old,omitempty"` // Present for MODIFY/REMOVE
	CreatedAt int64        `msgpack:"ts"`            // Unix ms
}

// SubscriptionEvent is the typed event derived from an INSERT record.
// Payload is either a structured value or a serialized string that still
// needs a second decode before use.
type SubscriptionEvent struct {
	Name    string
	Payload interface{}
}

// NewInsert builds an INSERT record whose new image carries the given event.
func NewInsert(eventName string, payload interface{}) (ChangeRecord, error) {
	if eventName == "" {
		return ChangeRecord{}, fmt.Errorf("event name is required")
	}
	image, err := encoding.MarshalAttributes(map[string]interface{}{
		AttrEvent:   eventName,
		AttrPayload: payload,
	})
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("failed to encode image: %w", err)
	}
	return ChangeRecord{
		Kind:      KindInsert,
		NewImage:  image,
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}
