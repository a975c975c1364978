package event

import (
	"bytes"
	"encoding/json"
)

// MessageKey holds the raw payload of events built from non-JSON input
const MessageKey = "message"

// FromPayload builds an event from a wire payload. A JSON object becomes
// the event data; anything else is kept as a string under MessageKey.
func FromPayload(eventType string, payload []byte) *Event {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var data map[string]any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&data); err == nil && !dec.More() {
			return New(eventType, normalizeNumbers(data).(map[string]any))
		}
	}
	return New(eventType, map[string]any{MessageKey: string(payload)})
}

// normalizeNumbers turns json.Number into int64 where the value is whole
// and float64 otherwise
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
