// Package event defines the unit of data carried through a pipeline.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a structured document with metadata. Data keys are addressed
// with JSON-pointer style paths such as "/request/status".
type Event struct {
	ID         string         `json:"id" msgpack:"id"`
	Type       string         `json:"type" msgpack:"type"`
	Time       time.Time      `json:"time" msgpack:"time"`
	Data       map[string]any `json:"data" msgpack:"data"`
	Attributes map[string]any `json:"attributes,omitempty" msgpack:"attributes,omitempty"`

	handle Handle
}

// New creates an event with a fresh ID
func New(eventType string, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	}
}

func splitPath(key string) []string {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return nil
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		// RFC 6901 escapes
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

// Get returns the value at key and whether it exists
func (e *Event) Get(key string) (any, bool) {
	parts := splitPath(key)
	if len(parts) == 0 {
		return e.Data, true
	}
	var current any = e.Data
	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// ContainsKey reports whether key resolves to a value
func (e *Event) ContainsKey(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// GetString returns the value at key formatted as a string
func (e *Event) GetString(key string) (string, bool) {
	v, ok := e.Get(key)
	if !ok || v == nil {
		return "", false
	}
	if s, isString := v.(string); isString {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}

// Put sets value at key, creating intermediate objects as needed
func (e *Event) Put(key string, value any) error {
	parts := splitPath(key)
	if len(parts) == 0 {
		return fmt.Errorf("event: empty key")
	}
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	node := e.Data
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := make(map[string]any)
			node[part] = child
			node = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return fmt.Errorf("event: %q is not an object", part)
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// Delete removes key if present
func (e *Event) Delete(key string) {
	parts := splitPath(key)
	if len(parts) == 0 {
		return
	}
	node := e.Data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

// JSON serializes the event data
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e.Data)
}

// Handle returns the acknowledgement handle, which may be nil
func (e *Event) Handle() Handle {
	return e.handle
}

// SetHandle attaches an acknowledgement handle
func (e *Event) SetHandle(h Handle) {
	e.handle = h
}

// Release releases the event's handle, if any
func (e *Event) Release(success bool) {
	if e.handle != nil {
		e.handle.Release(success)
	}
}

// Copy returns a deep copy. The copy shares the acknowledgement handle,
// which is retained once more so each copy must be released.
func (e *Event) Copy() *Event {
	c := &Event{
		ID:         e.ID,
		Type:       e.Type,
		Time:       e.Time,
		Data:       copyMap(e.Data),
		Attributes: copyMap(e.Attributes),
		handle:     e.handle,
	}
	if c.handle != nil {
		c.handle.Retain()
	}
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
