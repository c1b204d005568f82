package record

import (
	"errors"
	"fmt"

	"github.com/maxpert/fanout/encoding"
)

// SkipReason describes why a record did not produce an event.
type SkipReason uint8

const (
	ReasonNotInsert SkipReason = iota
	ReasonNoImage
	ReasonMalformed
)

func (r SkipReason) String() string {
	switch r {
	case ReasonNotInsert:
		return "not_insert"
	case ReasonNoImage:
		return "no_image"
	default:
		return "malformed"
	}
}

// DecodeError reports a record that is irrelevant or malformed.
// Callers treat it as a skip; it is never escalated.
type DecodeError struct {
	SeqNum uint64
	Kind   MutationKind
	Reason SkipReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %d (%s) skipped: %s: %v", e.SeqNum, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("record %d (%s) skipped: %s", e.SeqNum, e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsSkip reports whether err is a DecodeError.
func IsSkip(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode turns an INSERT record into a SubscriptionEvent.
// Any other kind, an absent image or a malformed image yields a *DecodeError.
func Decode(rec ChangeRecord) (SubscriptionEvent, error) {
	if rec.Kind != KindInsert {
		return SubscriptionEvent{}, &DecodeError{SeqNum: rec.SeqNum, Kind: rec.Kind, Reason: ReasonNotInsert}
	}
	if len(rec.NewImage) == 0 {
		return SubscriptionEvent{}, &DecodeError{SeqNum: rec.SeqNum, Kind: rec.Kind, Reason: ReasonNoImage}
	}

	malformed := func(err error) error {
		return &DecodeError{SeqNum: rec.SeqNum, Kind: rec.Kind, Reason: ReasonMalformed, Err: err}
	}

	rawName, ok := rec.NewImage[AttrEvent]
	if !ok {
		return SubscriptionEvent{}, malformed(fmt.Errorf("missing %q attribute", AttrEvent))
	}
	var name interface{}
	if err := encoding.UnmarshalAttribute(rawName, &name); err != nil {
		return SubscriptionEvent{}, malformed(fmt.Errorf("attribute %q: %w", AttrEvent, err))
	}
	eventName, ok := name.(string)
	if !ok || eventName == "" {
		return SubscriptionEvent{}, malformed(fmt.Errorf("attribute %q is not a non-empty string", AttrEvent))
	}

	var payload interface{}
	if rawPayload, ok := rec.NewImage[AttrPayload]; ok {
		if err := encoding.UnmarshalAttribute(rawPayload, &payload); err != nil {
			return SubscriptionEvent{}, malformed(fmt.Errorf("attribute %q: %w", AttrPayload, err))
		}
	}

	return SubscriptionEvent{Name: eventName, Payload: payload}, nil
}
