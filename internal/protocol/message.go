// Package protocol defines the browser message envelope: a batch is an
// ordered list of [command, arg...] entries carried in one text frame.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is one [command, arg...] entry.
type Message []any

// New builds a message.
func New(name string, args ...any) Message {
	return append(Message{name}, args...)
}

// Name returns the command name, or "" if the entry is malformed.
func (m Message) Name() string {
	if len(m) == 0 {
		return ""
	}
	s, _ := m[0].(string)
	return s
}

// Arg returns argument i (0 is the first argument after the name).
func (m Message) Arg(i int) any {
	if i+1 >= len(m) {
		return nil
	}
	return m[i+1]
}

// HasArg reports whether argument i is present, even if null.
func (m Message) HasArg(i int) bool {
	return i+1 < len(m)
}

// String returns argument i as a string.
func (m Message) String(i int) string {
	s, _ := m.Arg(i).(string)
	return s
}

// Bool returns argument i as a bool. Numbers are truthy when non-zero.
func (m Message) Bool(i int) bool {
	switch v := m.Arg(i).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case uint64:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v != ""
	}
	return false
}

// Int returns argument i as an int.
func (m Message) Int(i int) int {
	return AsInt(m.Arg(i))
}

// AsInt converts a decoded JSON or CBOR number to an int.
func AsInt(v any) int {
	switch v := v.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}

// Args wraps a bare argument list so the typed accessors apply to it:
// Args(list).String(0) is list[0].
func Args(list []any) Message {
	return append(Message{""}, list...)
}

// Map returns argument i as an object.
func (m Message) Map(i int) map[string]any {
	v, _ := m.Arg(i).(map[string]any)
	return v
}

// List returns argument i as a list.
func (m Message) List(i int) []any {
	v, _ := m.Arg(i).([]any)
	return v
}

// Batch is an ordered list of messages.
type Batch []Message

// DecodeBatch parses one text frame.
func DecodeBatch(data []byte) (Batch, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	batch := make(Batch, 0, len(raw))
	for i, r := range raw {
		var msg Message
		if err := json.Unmarshal(r, &msg); err != nil {
			return nil, fmt.Errorf("decode batch entry %d: %w", i, err)
		}
		if msg.Name() == "" {
			return nil, fmt.Errorf("decode batch entry %d: missing command name", i)
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// Encode serialises the batch as compact JSON.
func (b Batch) Encode() ([]byte, error) {
	if b == nil {
		b = Batch{}
	}
	return json.Marshal(b)
}

// Single wraps one message in a batch.
func Single(name string, args ...any) Batch {
	return Batch{New(name, args...)}
}

// FromAny converts a decoded host-side list (CBOR or JSON) into a Message.
func FromAny(v any) (Message, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	if _, ok := list[0].(string); !ok {
		return nil, false
	}
	return Message(list), true
}
