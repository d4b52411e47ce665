// Package codec defines the encode/decode contract for payloads that cross
// worker boundaries.
//
// The isolated backend round-trips every payload through a codec so workers
// never observe shared memory, and external transports (such as redisq) use
// a codec to move payloads between processes. Payload types that cannot be
// encoded fail fast with a SerializationError fault instead of silently
// sharing state.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	flowerrors "github.com/emitflow/emitflow/pkg/common/errors"
)

// Codec encodes payload values to bytes and back. Decode must return a value
// that shares no mutable state with the one passed to Encode.
type Codec interface {
	// Name identifies the codec, e.g. in logs.
	Name() string

	// Encode serializes a payload value.
	Encode(v any) ([]byte, error)

	// Decode reconstructs a payload value from its serialized form.
	Decode(data []byte) (any, error)
}

// Default is the codec used when none is configured. Gob preserves Go types
// (an int comes back as an int), which JSON does not.
var Default Codec = Gob{}

// Register records a concrete payload type so the gob codec can carry it
// across a worker boundary. Stages emitting custom struct types through the
// isolated backend must register them once, typically from an init function.
func Register(v any) {
	gob.Register(v)
}

func init() {
	// Common composite payloads. Basic scalars are handled by gob itself.
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
	gob.Register([]string(nil))
	gob.Register([]int(nil))
	gob.Register(map[string]int(nil))
}

// Gob implements Codec using encoding/gob.
type Gob struct{}

func (Gob) Name() string { return "gob" }

func (Gob) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, &flowerrors.SerializationError{Err: err}
	}
	return buf.Bytes(), nil
}

func (Gob) Decode(data []byte) (any, error) {
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, &flowerrors.SerializationError{Err: err}
	}
	return v, nil
}

// JSON implements Codec using encoding/json. Useful when payloads must be
// readable by non-Go consumers; note that all numbers decode as float64.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &flowerrors.SerializationError{Err: err}
	}
	return data, nil
}

func (JSON) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &flowerrors.SerializationError{Err: err}
	}
	return v, nil
}
