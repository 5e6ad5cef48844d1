// Package codec provides pluggable payload serialization for events,
// signals, and task inputs/outputs. JSON is the default; MessagePack is
// available for denser logs.
package codec

// Codec defines the serialization contract for orchestration payloads.
type Codec interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a value.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// Name constants for codec selection.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Defaults to JSON.
func Get(name string) Codec {
	switch name {
	case NameMsgpack:
		return &Msgpack{}
	case NameJSON, "":
		return &JSON{}
	default:
		return &JSON{}
	}
}

// Default returns the default codec (JSON).
func Default() Codec { return &JSON{} }
