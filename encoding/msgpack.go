// Package encoding provides centralized serialization for fanout.
// Change records, registry entries and attribute values all go through msgpack
// here so that every store and transport agrees on the byte format.
//
// Thread Safety: all functions are safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). Event payloads rely on this so that a serialized
// JSON payload stays a string and can be decoded a second time.
package encoding

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalAttributes encodes every value of an attribute map independently.
// The result is the attribute-encoded form carried by change record images.
func MarshalAttributes(values map[string]interface{}) (map[string][]byte, error) {
	out := make(map[string][]byte, len(values))
	for name, value := range values {
		raw, err := Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

// UnmarshalAttribute decodes a single attribute value produced by MarshalAttributes.
func UnmarshalAttribute(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty attribute value")
	}
	return Unmarshal(raw, v)
}
